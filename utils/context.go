package utils

import (
	"context"
	"time"
)

const (
	// StoreTimeout bounds the Postgres and job store lookups a handler makes
	// before it answers. The chat stream itself is not bounded.
	StoreTimeout = 10 * time.Second
	PingTimeout  = 2 * time.Second
)

func WithStoreTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, StoreTimeout)
}

// WithPingTimeout bounds one health check.
func WithPingTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, PingTimeout)
}
