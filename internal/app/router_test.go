package app

import (
	"context"
	"testing"
)

func TestLinkRouter(t *testing.T) {
	t.Parallel()
	var sent []string
	r := &linkRouter{
		baseURL: "https://api.example.com/",
		send: func(ctx context.Context, text string) error {
			sent = append(sent, text)
			return nil
		},
	}
	if err := r.OpenItem(context.Background(), "abc-1"); err != nil {
		t.Fatalf("OpenItem: %v", err)
	}
	if err := r.OpenHome(context.Background()); err != nil {
		t.Fatalf("OpenHome: %v", err)
	}
	if sent[0] != "https://api.example.com/items/abc-1" {
		t.Fatalf("item link = %q", sent[0])
	}
	if sent[1] != "https://api.example.com" {
		t.Fatalf("home link = %q", sent[1])
	}

	unwired := &linkRouter{baseURL: "x"}
	if err := unwired.OpenItem(context.Background(), "id"); err == nil {
		t.Fatal("unwired router must error")
	}
}

func TestOnOff(t *testing.T) {
	t.Parallel()
	if onOff(true) != "on" || onOff(false) != "off" {
		t.Fatal("onOff mapping wrong")
	}
}
