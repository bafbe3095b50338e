package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Retriever fetches grounding context for a query from a document database.
type Retriever interface {
	// Retrieve returns context text for the query from the named database.
	// An empty result with nil error means nothing relevant was found.
	Retrieve(ctx context.Context, query, db string) (string, error)
}

// HTTPRetriever queries an external retrieval service over HTTP JSON.
type HTTPRetriever struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPRetriever creates a retriever for the given service base URL.
func NewHTTPRetriever(baseURL string) *HTTPRetriever {
	return NewHTTPRetrieverWithClient(baseURL, &http.Client{})
}

// NewHTTPRetrieverWithClient creates a retriever with a custom HTTP client.
func NewHTTPRetrieverWithClient(baseURL string, client *http.Client) *HTTPRetriever {
	return &HTTPRetriever{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

type retrieveRequest struct {
	Query string `json:"query"`
	DB    string `json:"db"`
}

type retrieveResponse struct {
	Context string `json:"context"`
}

// Retrieve queries the retrieval service.
func (r *HTTPRetriever) Retrieve(ctx context.Context, query, db string) (string, error) {
	body, err := json.Marshal(retrieveRequest{Query: query, DB: db})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("retrieval request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("retrieval error %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	var parsed retrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	return parsed.Context, nil
}
