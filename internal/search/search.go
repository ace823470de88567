// Package search adapts web search APIs to a single result shape.
package search

import (
	"context"
	"net/http"
	"time"
)

const (
	DefaultLimit = 10
	MaxLimit     = 20
)

// Result is one organic search hit.
type Result struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet"`
	Date    string `json:"date,omitempty"`
}

// Provider runs a web search. Implementations must honour ctx cancellation.
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

func defaultClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}
