package routes

import (
	"context"

	"pdfchat-platform/internal/database"
	"pdfchat-platform/internal/queue"
	"pdfchat-platform/internal/stream"
	"pdfchat-platform/services"
)

type ChatStreamer interface {
	Stream(ctx context.Context, in services.ChatInput, emit func(stream.Event) error) error
}

// HealthCheck reports whether one backing service is reachable.
type HealthCheck func(ctx context.Context) error

type Dependencies struct {
	Store   *database.Store
	Runtime *queue.Runtime
	Chat    ChatStreamer
	Checks  map[string]HealthCheck
}
