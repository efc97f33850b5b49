package apihttp

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func TestBroadcastWithoutClientsIsNoOp(t *testing.T) {
	hub := newWSHub(slog.Default())
	// No run goroutine: a broadcast with zero clients must not block.
	done := make(chan struct{})
	go func() {
		hub.Broadcast("stats", map[string]int{"queuedSegments": 3})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked with no clients")
	}
}

func TestWSMessageShape(t *testing.T) {
	msg := wsMessage{Type: "segment-loaded", Data: map[string]string{"id": "seg-1.ts"}}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Type string            `json:"type"`
		Data map[string]string `json:"data"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Type != "segment-loaded" || decoded.Data["id"] != "seg-1.ts" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestHubCloseStopsRunLoop(t *testing.T) {
	hub := newWSHub(slog.Default())
	stopped := make(chan struct{})
	go func() {
		hub.run()
		close(stopped)
	}()

	hub.Close()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop after Close")
	}
}
