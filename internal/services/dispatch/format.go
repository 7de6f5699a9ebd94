package dispatch

import (
	"strings"

	"newswatch/internal/feed"
	"newswatch/internal/kit"
)

const (
	titleMarker  = "📰 "
	fallbackBody = "A new story is waiting for you."
)

// Format builds the user-facing title/body pair and the routing payload.
func Format(item feed.Item) kit.Notification {
	title := titleMarker + strings.TrimSpace(item.Title)
	body := strings.TrimSpace(item.Excerpt)
	if body == "" {
		body = fallbackBody
	}
	n := kit.Notification{
		Title:   title,
		Body:    body,
		Payload: kit.Payload{ContentID: item.ID},
	}
	if item.Category != nil {
		n.Payload.CategoryID = item.Category.ID
		n.Payload.CategoryName = item.Category.Name
	}
	return n
}
