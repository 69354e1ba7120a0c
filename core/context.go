package core

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// OutcomeKey is the context key for the *Outcome a strategy fills in while handling a request
	OutcomeKey contextKey = "Outcome"
)

// Sources a response can come from.
const (
	SourceCache    = "cache"     // served from the active store
	SourceNetwork  = "network"   // fetched live
	SourceOffline  = "offline"   // synthesized 503 for an unreachable API
	SourceNotFound = "not-found" // synthesized 404, nothing cached
)

// Outcome records how a request was classified and where its response came from.
type Outcome struct {
	Version  string
	Category string
	Source   string
	Stored   bool // a capture was written to the store
}

// ContextWithOutcome returns a new request with an empty Outcome attached, and the Outcome itself.
func ContextWithOutcome(req *http.Request) (*http.Request, *Outcome) {
	outcome := &Outcome{}
	ctx := context.WithValue(req.Context(), OutcomeKey, outcome)
	return req.WithContext(ctx), outcome
}

// OutcomeFromContext returns the Outcome from the context if it exists
func OutcomeFromContext(ctx context.Context) (*Outcome, bool) {
	outcome, ok := ctx.Value(OutcomeKey).(*Outcome)
	return outcome, ok
}
