package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/memkern/memkern/internal/apperr"
)

func embedServer(t *testing.T, dim int, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		vec := make([]float32, dim)
		for i := range vec {
			vec[i] = float32(i) * 0.01
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": vec}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbed(t *testing.T) {
	srv := embedServer(t, 8, http.StatusOK)
	c := New(Config{URL: srv.URL, Model: "test", Dim: 8})

	vec, err := c.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 8 {
		t.Fatalf("vector length = %d, want 8", len(vec))
	}
}

func TestEmbedDimensionMismatch(t *testing.T) {
	srv := embedServer(t, 4, http.StatusOK)
	c := New(Config{URL: srv.URL, Model: "test", Dim: 8})

	_, err := c.Embed(context.Background(), "hello")
	if apperr.KindOf(err) != apperr.EmbeddingFailed {
		t.Fatalf("error kind = %v, want EmbeddingFailed", apperr.KindOf(err))
	}
}

func TestEmbedBreakerOpens(t *testing.T) {
	srv := embedServer(t, 8, http.StatusBadGateway)
	c := New(Config{URL: srv.URL, Model: "test", Dim: 8})

	for i := 0; i < 6; i++ {
		if _, err := c.Embed(context.Background(), "hello"); err == nil {
			t.Fatalf("request %d unexpectedly succeeded", i)
		}
	}
	// Breaker should now be open; the backend is no longer consulted.
	_, err := c.Embed(context.Background(), "hello")
	if apperr.KindOf(err) != apperr.EmbeddingFailed {
		t.Fatalf("error kind = %v, want EmbeddingFailed", apperr.KindOf(err))
	}
}

func TestEmbedUnconfigured(t *testing.T) {
	c := New(Config{Dim: 8})
	if _, err := c.Embed(context.Background(), "hello"); apperr.KindOf(err) != apperr.EmbeddingFailed {
		t.Fatal("unconfigured backend must fail with EmbeddingFailed")
	}
}
