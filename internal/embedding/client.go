package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/memkern/memkern/internal/apperr"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config for the HTTP embedding backend.
type Config struct {
	URL     string
	APIKey  string
	Model   string
	Dim     int
	Timeout time.Duration
}

// Client calls an OpenAI-compatible embeddings endpoint behind a
// circuit breaker. When the backend is flapping the breaker opens and
// callers fail fast instead of stalling the embed worker.
type Client struct {
	cfg     Config
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New builds a client. cfg.Dim is the only accepted response dimension;
// anything else is an error so stored vectors stay comparable.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "embedding",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Info().Str("breaker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("embedding breaker state change")
			},
		}),
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the vector for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c.cfg.URL == "" {
		return nil, apperr.New(apperr.EmbeddingFailed, "no embedding backend configured")
	}

	out, err := c.breaker.Execute(func() (any, error) {
		return c.call(ctx, text)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, apperr.Wrap(apperr.EmbeddingFailed, "embedding backend unavailable", err)
		}
		if apperr.KindOf(err) == apperr.EmbeddingFailed {
			return nil, err
		}
		return nil, apperr.Wrap(apperr.EmbeddingFailed, "embedding request failed", err)
	}
	return out.([]float32), nil
}

func (c *Client) call(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: []string{text}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding backend returned %d: %s", resp.StatusCode, snippet)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, err
	}
	if len(er.Data) == 0 {
		return nil, apperr.New(apperr.EmbeddingFailed, "embedding response contained no vectors")
	}
	vec := er.Data[0].Embedding
	if len(vec) != c.cfg.Dim {
		return nil, apperr.Newf(apperr.EmbeddingFailed, "embedding dimension %d does not match configured %d", len(vec), c.cfg.Dim)
	}
	return vec, nil
}
