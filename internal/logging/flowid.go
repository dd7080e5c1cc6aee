// Package logging provides flow ID context propagation so that log lines
// produced by the callback listener, the token exchange, and the coordinator
// can be correlated to one authorization attempt.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const flowIDKey contextKey = "flowId"

// GenerateFlowID creates an 8-character hex flow ID.
func GenerateFlowID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WithFlowID injects a flow ID into the context.
func WithFlowID(ctx context.Context, flowID string) context.Context {
	return context.WithValue(ctx, flowIDKey, flowID)
}

// FlowID retrieves the flow ID from the context.
// Returns empty string if not found.
func FlowID(ctx context.Context) string {
	if id, ok := ctx.Value(flowIDKey).(string); ok {
		return id
	}
	return ""
}
