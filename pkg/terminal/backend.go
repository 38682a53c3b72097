// Package terminal bridges an interactive terminal surface to a backend
// pseudo-terminal session.
package terminal

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrClosed is returned for operations on a closed bridge.
	ErrClosed = errors.New("terminal session closed")
	// ErrBusy is returned when a spawn or attach is already in progress or
	// the bridge already owns a channel.
	ErrBusy = errors.New("terminal session already attached or spawning")
)

// Size is a terminal geometry in character cells.
type Size struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// IsZero reports an unknown geometry.
func (s Size) IsZero() bool {
	return s.Rows == 0 || s.Cols == 0
}

// SpawnRequest asks the backend for a new pseudo-terminal.
type SpawnRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
	Rows    uint16   `json:"rows,omitempty"`
	Cols    uint16   `json:"cols,omitempty"`
}

// Channel is an attached output stream. Closing it stops output delivery
// without terminating the backend process.
type Channel interface {
	Close() error
}

// Backend is the pseudo-terminal RPC surface.
type Backend interface {
	SpawnPTY(ctx context.Context, req SpawnRequest) (string, error)
	// AttachPTY binds a channel for sessionID. sink receives output chunks in
	// order from a single goroutine until the channel is closed.
	AttachPTY(ctx context.Context, sessionID string, sink func([]byte)) (Channel, error)
	WritePTY(ctx context.Context, sessionID string, data []byte) error
	ResizePTY(ctx context.Context, sessionID string, size Size) error
	ClosePTY(ctx context.Context, sessionID string) error
}

// Widget is the visual terminal surface. The bridge writes process output
// to it verbatim.
type Widget interface {
	io.Writer
}
