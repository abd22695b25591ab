package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"studypipe/internal/config"
)

// Client calls a remote embedding service's /embed endpoint in bounded
// batches. A failed batch degrades to zero vectors instead of failing the
// whole call, so output always corresponds 1-to-1 with the input.
type Client struct {
	baseURL   string
	batchSize int
	http      *http.Client
}

// New returns a Client for the given base URL (e.g. https://embed.example.com).
func New(baseURL string, batchSize int) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("EMBED_BASE_URL is required")
	}
	if batchSize <= 0 {
		batchSize = 16
	}
	return &Client{
		baseURL:   baseURL,
		batchSize: batchSize,
		http:      &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type embedRequest struct {
	Texts []string `json:"texts"`
}

type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

// Embed returns one vector of length config.VectorDim per input text, in
// input order. Batches are issued sequentially to bound peak memory.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]
		vectors, err := c.embedBatch(ctx, batch)
		if err != nil {
			log.Printf("Remote embedding failed, using zero vectors for %d texts: %v", len(batch), err)
			vectors = zeroVectors(len(batch))
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Texts: batch})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedder returned HTTP %d", resp.StatusCode)
	}
	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embedder response: %w", err)
	}
	if len(parsed.Vectors) != len(batch) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(parsed.Vectors), len(batch))
	}
	for i, v := range parsed.Vectors {
		if len(v) != config.VectorDim {
			return nil, fmt.Errorf("vector %d has dimension %d, expected %d", i, len(v), config.VectorDim)
		}
	}
	return parsed.Vectors, nil
}

func zeroVectors(n int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = make([]float32, config.VectorDim)
	}
	return out
}
