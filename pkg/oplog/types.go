// Package oplog folds instance lifecycle events into operation transcripts.
package oplog

import (
	"fmt"
	"strings"

	"github.com/labring/lima-bridge/pkg/logbuffer"
)

// Kind is an instance lifecycle operation.
type Kind string

const (
	KindCreate Kind = "create"
	KindStart  Kind = "start"
	KindStop   Kind = "stop"
	KindDelete Kind = "delete"
)

// Kinds lists every supported operation kind.
var Kinds = []Kind{KindCreate, KindStart, KindStop, KindDelete}

func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindStart, KindStop, KindDelete:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind parses an operation kind, case-insensitively.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown operation kind: %q", s)
	}
	return k, nil
}

// Key identifies one lifecycle operation on one instance.
type Key struct {
	Kind     Kind   `json:"kind"`
	Resource string `json:"resource"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Kind, k.Resource)
}

// Payload is the wire shape of every lifecycle event.
type Payload struct {
	InstanceName *string `json:"instance_name"`
	Message      *string `json:"message"`
	MessageID    *string `json:"message_id"`
	Timestamp    string  `json:"timestamp"`
}

// Validate reports a malformed payload. The timestamp is informational and
// may be empty.
func (p Payload) Validate() error {
	var missing []string
	if p.InstanceName == nil {
		missing = append(missing, "instance_name")
	}
	if p.MessageID == nil || *p.MessageID == "" {
		missing = append(missing, "message_id")
	}
	if p.Message == nil {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return fmt.Errorf("malformed payload: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Entry converts a validated payload to a transcript entry.
func (p Payload) Entry() logbuffer.Entry {
	return logbuffer.Entry{
		ID:        *p.MessageID,
		Message:   *p.Message,
		Timestamp: p.Timestamp,
	}
}

// NewPayload builds a payload for emitting.
func NewPayload(instance, messageID, message, timestamp string) Payload {
	return Payload{
		InstanceName: &instance,
		Message:      &message,
		MessageID:    &messageID,
		Timestamp:    timestamp,
	}
}

// State is the materialized view of one operation.
type State struct {
	Stdout    []logbuffer.Entry `json:"stdout"`
	Stderr    []logbuffer.Entry `json:"stderr"`
	Error     []logbuffer.Entry `json:"error"`
	IsLoading bool              `json:"isLoading"`
	// IsSuccess is nil while the operation is undecided.
	IsSuccess *bool `json:"isSuccess"`
}

// InitialState returns the empty state of an operation nobody has seen.
func InitialState() State {
	return State{
		Stdout: []logbuffer.Entry{},
		Stderr: []logbuffer.Entry{},
		Error:  []logbuffer.Entry{},
	}
}

// Succeeded reports a success terminal state.
func (s State) Succeeded() bool {
	return s.IsSuccess != nil && *s.IsSuccess
}

// Failed reports a failed terminal state.
func (s State) Failed() bool {
	return len(s.Error) > 0 && !s.Succeeded()
}

// Terminal reports whether the operation reached success or failure.
func (s State) Terminal() bool {
	return s.Succeeded() || s.Failed()
}
