// Package reranker provides second-pass relevance scoring of vector
// search candidates against the original query. Reranking is more
// accurate than vector similarity alone but costs an extra provider call
// per search, so the retrieval pipeline treats it as strictly optional:
// any failure degrades to vector order.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// ScoredIndex maps a candidate back to its position in the caller's
// document list, with the provider's relevance score.
type ScoredIndex struct {
	// Index is the position of the document in the request slice.
	Index int
	// Score is the provider's relevance score, descending order assumed.
	Score float64
}

// Result is the outcome of one rerank call.
type Result struct {
	// Results is the relevance-ordered subset of the input documents.
	// May be empty — providers can reject every candidate.
	Results []ScoredIndex
	// UsageUnits is the number of billing units the provider reported
	// for this call, 0 when the provider reports none.
	UsageUnits int
}

// Client is the interface to a rerank provider. Implementations must be
// safe to call from multiple goroutines.
type Client interface {
	// Rerank scores documents against query using the given model and
	// returns them in descending relevance order. A failed call may
	// still return a non-nil Result carrying the usage the provider
	// reported for the attempt.
	Rerank(ctx context.Context, model, query string, documents []string) (*Result, error)
}

// HTTPClient implements Client against a Jina-compatible /v1/rerank
// endpoint (the wire format Cohere and most hosted rerankers also speak).
type HTTPClient struct {
	// endpoint is the full rerank URL (e.g. "https://api.jina.ai/v1/rerank").
	endpoint string
	// apiKey is the Bearer token.
	apiKey string
	// client is the shared HTTP client with a sensible timeout.
	client *http.Client
}

// HTTPConfig holds the settings for constructing an HTTPClient.
type HTTPConfig struct {
	// Endpoint is the full rerank URL.
	Endpoint string
	// APIKey is the Bearer token.
	APIKey string
}

// NewHTTPClient constructs an HTTPClient from the given config.
func NewHTTPClient(cfg *HTTPConfig) *HTTPClient {
	return &HTTPClient{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// rerankRequest is the JSON body sent to the rerank endpoint.
type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

// rerankResponse is the JSON body returned from the rerank endpoint.
type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Detail string `json:"detail,omitempty"`
}

// Rerank scores documents against query and returns them in descending
// relevance order as reported by the provider.
func (c *HTTPClient) Rerank(ctx context.Context, model, query string, documents []string) (*Result, error) {
	body := rerankRequest{
		Model:     model,
		Query:     query,
		Documents: documents,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("reranker: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("reranker: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reranker: request failed: %w", err)
	}
	defer resp.Body.Close()

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("reranker: decode response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		if result.Detail != "" {
			msg = result.Detail
		}
		// Providers bill failed calls too: hand any reported usage back
		// alongside the error so the caller can still account for it.
		return &Result{UsageUnits: result.Usage.TotalTokens},
			fmt.Errorf("reranker: model %s: %s", model, msg)
	}

	out := &Result{UsageUnits: result.Usage.TotalTokens}
	for _, r := range result.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("reranker: index %d out of range [0, %d)", r.Index, len(documents))
		}
		out.Results = append(out.Results, ScoredIndex{Index: r.Index, Score: r.RelevanceScore})
	}

	return out, nil
}
