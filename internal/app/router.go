package app

import (
	"context"
	"errors"
	"strings"
)

// linkRouter resolves an opened notification to a shareable link. A
// headless watcher has no UI to navigate, so "open" means posting the
// item's URL back to the chat.
type linkRouter struct {
	baseURL string
	send    func(ctx context.Context, text string) error
}

func (r *linkRouter) OpenItem(ctx context.Context, contentID string) error {
	if r.send == nil {
		return errors.New("router not wired")
	}
	return r.send(ctx, itemURL(r.baseURL, contentID))
}

func (r *linkRouter) OpenHome(ctx context.Context) error {
	if r.send == nil {
		return errors.New("router not wired")
	}
	return r.send(ctx, strings.TrimRight(r.baseURL, "/"))
}

func itemURL(base, contentID string) string {
	return strings.TrimRight(base, "/") + "/items/" + contentID
}
