package cachepolicy

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestNewTCPProbe_Ports(t *testing.T) {
	tests := map[string]string{
		"https://recipes.example.com":      "recipes.example.com:443",
		"http://recipes.example.com":       "recipes.example.com:80",
		"http://127.0.0.1:8080/api":        "127.0.0.1:8080",
		"wss://push.example.com/socket.io": "push.example.com:443",
	}
	for in, want := range tests {
		p, err := NewTCPProbe(in, 0)
		if err != nil {
			t.Fatalf("NewTCPProbe(%q): %v", in, err)
		}
		if p.Addr() != want {
			t.Errorf("Addr(%q) = %q, want %q", in, p.Addr(), want)
		}
	}
	if _, err := NewTCPProbe("not a url", 0); err == nil {
		t.Error("expected error for url without host")
	}
}

func TestTCPProbe_OnlineAndOffline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()

	p, err := NewTCPProbe("http://"+addr, time.Second)
	if err != nil {
		t.Fatalf("NewTCPProbe: %v", err)
	}
	if !p.Online(context.Background()) {
		t.Error("Online = false with a listener")
	}

	_ = ln.Close()
	p2, _ := NewTCPProbe("http://"+addr, time.Second)
	if p2.Online(context.Background()) {
		t.Error("Online = true after listener closed")
	}
}

func TestTCPProbe_CachesAnswer(t *testing.T) {
	p, err := NewTCPProbe("http://recipes.example.com", time.Second)
	if err != nil {
		t.Fatalf("NewTCPProbe: %v", err)
	}
	now := time.Unix(1000, 0)
	dials := 0
	p.now = func() time.Time { return now }
	p.dial = func(context.Context, string, string) (net.Conn, error) {
		dials++
		return nil, errors.New("unreachable")
	}

	ctx := context.Background()
	p.Online(ctx)
	p.Online(ctx)
	if dials != 1 {
		t.Errorf("dials = %d within cache window, want 1", dials)
	}

	now = now.Add(DefaultProbeCache)
	p.Online(ctx)
	if dials != 2 {
		t.Errorf("dials = %d after cache window, want 2", dials)
	}
}
