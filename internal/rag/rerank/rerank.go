// Package rerank implements the cross-encoder RerankClient: score
// (query, passage) pairs, with a moving p95 latency watchdog that
// transparently switches to a faster fallback model, and a passthrough
// policy (original order preserved, no exception) on transport failure.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"smartrag/internal/config"
	"smartrag/internal/rag/service"
)

const latencyWindow = 20

// Client scores (query, passage) pairs via an HTTP cross-encoder endpoint.
type Client struct {
	cfg        config.RerankConfig
	httpClient *http.Client
	logger     service.Logger

	mu          sync.Mutex
	recentMS    []int64
	usingFallback bool
}

// New constructs a rerank Client.
func New(cfg config.RerankConfig, httpClient *http.Client, logger service.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = service.NoopLogger{}
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}
}

type rerankReq struct {
	Model    string   `json:"model"`
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

type rerankResp struct {
	Scores []float64 `json:"scores"`
}

// Rerank returns one score per passage, in input order, higher is more
// relevant. On transport or decode failure, it returns scores that
// preserve the input order (never an error) and logs a warning.
func (c *Client) Rerank(ctx context.Context, query string, passages []string) []float64 {
	if len(passages) == 0 {
		return nil
	}
	if c.cfg.BaseURL == "" {
		return identityOrder(len(passages))
	}

	model := c.cfg.Model
	if c.usingFallbackModel() {
		model = c.cfg.FallbackModel
	}

	start := time.Now()
	scores, err := c.call(ctx, model, query, passages)
	elapsed := time.Since(start)
	c.recordLatency(elapsed.Milliseconds())

	if err != nil {
		c.logger.Error("rerank request failed, passing through original order", map[string]any{"error": err.Error()})
		return identityOrder(len(passages))
	}
	if len(scores) != len(passages) {
		c.logger.Error("rerank returned mismatched score count, passing through original order", map[string]any{
			"got": len(scores), "want": len(passages),
		})
		return identityOrder(len(passages))
	}
	return scores
}

func (c *Client) call(ctx context.Context, model, query string, passages []string) ([]float64, error) {
	timeout := time.Duration(c.cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, _ := json.Marshal(rerankReq{Model: model, Query: query, Passages: passages})
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		if c.cfg.APIHeader == "Authorization" || c.cfg.APIHeader == "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		} else {
			req.Header.Set(c.cfg.APIHeader, c.cfg.APIKey)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rerank error: %s: %s", resp.Status, string(b))
	}
	var rr rerankResp
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, err
	}
	return rr.Scores, nil
}

func identityOrder(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(n - i)
	}
	return out
}

func (c *Client) recordLatency(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recentMS = append(c.recentMS, ms)
	if len(c.recentMS) > latencyWindow {
		c.recentMS = c.recentMS[len(c.recentMS)-latencyWindow:]
	}
	c.usingFallback = c.p95Locked() > int64(c.thresholdMS())
}

func (c *Client) thresholdMS() int {
	if c.cfg.P95ThresholdMS > 0 {
		return c.cfg.P95ThresholdMS
	}
	return 800
}

func (c *Client) p95Locked() int64 {
	n := len(c.recentMS)
	if n == 0 {
		return 0
	}
	sorted := make([]int64, n)
	copy(sorted, c.recentMS)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(n) * 0.95)
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func (c *Client) usingFallbackModel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usingFallback && c.cfg.FallbackModel != ""
}

// P95MS reports the current moving p95 latency in milliseconds.
func (c *Client) P95MS() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p95Locked()
}
