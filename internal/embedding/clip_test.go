package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"chronofact/internal/core"
)

func newCLIPTestServer(t *testing.T, textCalls, imageCalls *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/embed/text":
			textCalls.Add(1)
			json.NewEncoder(w).Encode(clipEmbedResponse{Embedding: []float32{1, 0, 0, 0}})
		case "/embed/image":
			imageCalls.Add(1)
			json.NewEncoder(w).Encode(clipEmbedResponse{Embedding: []float32{0, 1, 0, 0}})
		case "/health":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestCLIPEngine_EmbedText(t *testing.T) {
	var textCalls, imageCalls atomic.Int64
	srv := newCLIPTestServer(t, &textCalls, &imageCalls)
	defer srv.Close()

	engine, err := NewCLIPEngine(srv.URL, "", 4)
	if err != nil {
		t.Fatalf("NewCLIPEngine error: %v", err)
	}

	vec, err := engine.EmbedText(context.Background(), "flood in valencia")
	if err != nil {
		t.Fatalf("EmbedText error: %v", err)
	}
	if len(vec) != 4 || vec[0] != 1 {
		t.Fatalf("EmbedText=%v, want [1 0 0 0]", vec)
	}
	if textCalls.Load() != 1 {
		t.Fatalf("text endpoint calls=%d, want 1", textCalls.Load())
	}
}

func TestCLIPEngine_ImageCacheByContentHash(t *testing.T) {
	var textCalls, imageCalls atomic.Int64
	srv := newCLIPTestServer(t, &textCalls, &imageCalls)
	defer srv.Close()

	engine, err := NewCLIPEngine(srv.URL, "", 4)
	if err != nil {
		t.Fatalf("NewCLIPEngine error: %v", err)
	}

	img := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x01, 0x02}
	ctx := context.Background()

	if _, err := engine.EmbedImage(ctx, img); err != nil {
		t.Fatalf("EmbedImage error: %v", err)
	}
	if _, err := engine.EmbedImage(ctx, img); err != nil {
		t.Fatalf("EmbedImage (cached) error: %v", err)
	}
	if imageCalls.Load() != 1 {
		t.Fatalf("image endpoint calls=%d after repeated bytes, want 1", imageCalls.Load())
	}

	other := []byte{0x89, 0x50, 0x4E, 0x47}
	if _, err := engine.EmbedImage(ctx, other); err != nil {
		t.Fatalf("EmbedImage (new bytes) error: %v", err)
	}
	if imageCalls.Load() != 2 {
		t.Fatalf("image endpoint calls=%d after new bytes, want 2", imageCalls.Load())
	}
}

func TestCLIPEngine_EmptyImage(t *testing.T) {
	engine, err := NewCLIPEngine("http://localhost:9", "", 4)
	if err != nil {
		t.Fatalf("NewCLIPEngine error: %v", err)
	}
	_, err = engine.EmbedImage(context.Background(), nil)
	if !errors.Is(err, core.ErrInvalidRequest) {
		t.Fatalf("EmbedImage(nil) error=%v, want ErrInvalidRequest", err)
	}
}

func TestCLIPEngine_ServerErrorWrapsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusInternalServerError)
	}))
	defer srv.Close()

	engine, err := NewCLIPEngine(srv.URL, "", 4)
	if err != nil {
		t.Fatalf("NewCLIPEngine error: %v", err)
	}
	_, err = engine.EmbedText(context.Background(), "anything")
	if !errors.Is(err, core.ErrEmbeddingUnavailable) {
		t.Fatalf("EmbedText(500) error=%v, want ErrEmbeddingUnavailable", err)
	}
}

func TestCLIPEngine_HealthCheck(t *testing.T) {
	var textCalls, imageCalls atomic.Int64
	srv := newCLIPTestServer(t, &textCalls, &imageCalls)
	defer srv.Close()

	engine, err := NewCLIPEngine(srv.URL, "", 4)
	if err != nil {
		t.Fatalf("NewCLIPEngine error: %v", err)
	}
	if err := engine.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck error: %v", err)
	}

	srv.Close()
	if err := engine.HealthCheck(context.Background()); !errors.Is(err, core.ErrEmbeddingUnavailable) {
		t.Fatalf("HealthCheck(down) error=%v, want ErrEmbeddingUnavailable", err)
	}
}

func TestCLIPEngine_RequiresEndpoint(t *testing.T) {
	if _, err := NewCLIPEngine("", "", 4); err == nil {
		t.Fatal("NewCLIPEngine(no endpoint) expected error, got nil")
	}
}

func TestVectorCache_Eviction(t *testing.T) {
	cache := newVectorCache(2)

	k1 := [32]byte{1}
	k2 := [32]byte{2}
	k3 := [32]byte{3}

	cache.put(k1, []float32{1})
	cache.put(k2, []float32{2})

	// Touch k1 so k2 becomes the eviction candidate.
	if _, ok := cache.get(k1); !ok {
		t.Fatal("cache.get(k1) missing before eviction")
	}

	cache.put(k3, []float32{3})

	if _, ok := cache.get(k2); ok {
		t.Fatal("cache.get(k2) should have been evicted")
	}
	if _, ok := cache.get(k1); !ok {
		t.Fatal("cache.get(k1) should survive eviction after recent use")
	}
	if _, ok := cache.get(k3); !ok {
		t.Fatal("cache.get(k3) should be present")
	}
}
