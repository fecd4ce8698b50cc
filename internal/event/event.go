// Package event holds the canonical change-event model shared by every
// stream source and the staging/apply pipeline.
package event

import (
	"strings"
	"time"
)

// Op is the kind of row mutation an event carries.
type Op uint8

const (
	// OpUnknown marks an operation kind the source emitted that we do not
	// recognize. Unknown events are staged and surfaced for operator
	// inspection instead of being dropped.
	OpUnknown Op = iota
	OpInsert
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Raw is a captured row mutation as a stream source hands it over, before
// normalization. Kind carries the source's own operation tag verbatim.
type Raw struct {
	Table     string // schema-qualified
	Kind      string
	Key       []string
	Row       map[string]any
	Channel   string
	CommitSeq uint64
}

// ChangeEvent is one committed row mutation in canonical form. Events are
// immutable once staged; per-key order within a source transaction is
// preserved by the (Channel, CommitSeq) commit token plus arrival order.
type ChangeEvent struct {
	Table      string
	Op         Op
	Key        []string
	Row        map[string]any // nil for deletes; delete images may be key-only
	Channel    string
	CommitSeq  uint64
	ReceivedAt time.Time
}

// Normalize converts a raw source event into the canonical model. It is
// total over whatever kinds the source emits: anything unrecognized maps to
// OpUnknown rather than an error, so a new upstream message type can never
// silently halt or thin out the stream.
func Normalize(raw Raw) ChangeEvent {
	var op Op
	switch strings.ToLower(raw.Kind) {
	case "c", "i", "insert", "create":
		op = OpInsert
	case "u", "update":
		op = OpUpdate
	case "d", "delete":
		op = OpDelete
	default:
		op = OpUnknown
	}
	row := raw.Row
	if op == OpDelete {
		// Key-only delete images are accepted as-is; the applier only
		// needs the key to delete.
		row = nil
	}
	return ChangeEvent{
		Table:      raw.Table,
		Op:         op,
		Key:        raw.Key,
		Row:        row,
		Channel:    raw.Channel,
		CommitSeq:  raw.CommitSeq,
		ReceivedAt: time.Now().UTC(),
	}
}

// KeyString flattens the primary-key tuple into a single comparable string.
// The unit separator keeps composite keys unambiguous.
func (e ChangeEvent) KeyString() string {
	return strings.Join(e.Key, "\x1f")
}
