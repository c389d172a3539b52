package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hephaestus-run/core/internal/cache"
)

func TestCollectIncludesProvidedSources(t *testing.T) {
	c := cache.New(cache.Config{})
	c.Set("k", "v", 0, nil)
	defer c.Close()

	collector := NewCollector(Sources{Cache: c})
	snap := collector.Collect()

	if snap.CacheStats.CurrentSize != 1 {
		t.Fatalf("expected cache stats included, got %+v", snap.CacheStats)
	}
}

func TestCollectOmitsNilSourcesWithoutPanicking(t *testing.T) {
	collector := NewCollector(Sources{})
	snap := collector.Collect()
	if snap.QueueDepth != 0 {
		t.Fatalf("expected zero-value queue depth, got %d", snap.QueueDepth)
	}
}

func TestHealthzReturns200(t *testing.T) {
	router := NewRouter(NewCollector(Sources{}))
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSnapshotEndpointReturnsJSON(t *testing.T) {
	c := cache.New(cache.Config{})
	c.Set("k", "v", 0, nil)
	defer c.Close()

	router := NewRouter(NewCollector(Sources{Cache: c}))
	srv := httptest.NewServer(router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/snapshot")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.CacheStats.CurrentSize != 1 {
		t.Fatalf("expected cache stats in response, got %+v", snap.CacheStats)
	}
}

func TestHubBroadcastsToRegisteredClient(t *testing.T) {
	collector := NewCollector(Sources{})
	hub := NewHub(collector, 10*time.Millisecond)

	mux := http.NewServeMux()
	mux.HandleFunc("/stream", hub.ServeWS)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("expected a broadcast snapshot, got error: %v", err)
	}
}
