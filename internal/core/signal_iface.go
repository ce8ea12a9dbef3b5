package core

import (
	"context"

	"github.com/dkeye/fedmesh/internal/domain"
)

// Frame is a raw message payload.
type Frame []byte

// SignalConnection abstracts the relay-side transport of one endpoint.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// Send blocks until the frame is written or ctx is done.
	Send(ctx context.Context, f Frame) error
	// TrySend enqueues without waiting for the write.
	TrySend(f Frame) error
	Close()
}

// SessionInfo is a read-only view of a session for APIs.
type SessionInfo struct {
	Code    domain.SessionCode `json:"code"`
	MaxSize int                `json:"max_size"`
	Members []domain.Endpoint  `json:"members"`
	Ready   bool               `json:"ready"`
}
