package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"newswatch/internal/feed"
)

// Inbound event types. Anything else is logged and ignored.
const (
	EventItemCreated = "item_created"
	EventItemUpdated = "item_updated"
	EventItemDeleted = "item_deleted"
)

// Envelope is the tagged message structure received over the channel.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func parseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope without type")
	}
	return env, nil
}

func (e Envelope) item() (feed.Item, error) {
	var it feed.Item
	if err := json.Unmarshal(e.Data, &it); err != nil {
		return feed.Item{}, fmt.Errorf("envelope data: %w", err)
	}
	if it.ID == "" {
		return feed.Item{}, fmt.Errorf("envelope data without item id")
	}
	return it, nil
}

// contentID is best-effort for diagnostics records; update/delete payloads
// may carry only the id.
func (e Envelope) contentID() string {
	var d struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return ""
	}
	return d.ID
}
