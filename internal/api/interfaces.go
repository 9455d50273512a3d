package api

import (
	"context"

	"resume-collab/internal/services/editor"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of services, so service interfaces live HERE.

The handler doesn't care how editors are kept alive or how the mirror
schedules its writes - it only cares about the methods it needs to call.
Tests plug in a real registry over in-memory stores without a server.
*/

// EditorRegistry defines what handlers need from the live editor set
type EditorRegistry interface {
	Open(ctx context.Context, logicalID, ownerID string) (*editor.Editor, error)
	Get(logicalID string) (*editor.Editor, bool)
	Close(ctx context.Context, logicalID string) error
	Len() int
}

// MirrorStats is reported by the health endpoint
type MirrorStats interface {
	QueueLength() int
	Written() int64
}
