// Package cursor defines the position tokens that replication resumes from.
//
// Two address spaces exist and never mix: the source's write-ahead log
// (per-channel sequence numbers, formatted like Postgres LSNs) and the
// target's logical clock (a single monotonic timestamp). A cursor from one
// space cannot be compared against the other; callers get
// ErrIncomparableCursor instead of a silently wrong answer.
package cursor

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrInvalidCursor      = errors.New("cursor: invalid token")
	ErrIncomparableCursor = errors.New("cursor: tokens from different address spaces")
)

// Space identifies which change-stream address space a cursor belongs to.
type Space uint8

const (
	// SpaceNone is the null cursor: before any event in any space.
	SpaceNone Space = iota
	// SpaceSourceLog is the source database's replication log.
	SpaceSourceLog
	// SpaceTargetClock is the target cluster's logical timestamp domain.
	SpaceTargetClock
)

func (s Space) String() string {
	switch s {
	case SpaceSourceLog:
		return "log"
	case SpaceTargetClock:
		return "clock"
	default:
		return "none"
	}
}

// Cursor is an immutable position token. The zero value is the null cursor.
type Cursor struct {
	space    Space
	channels map[string]uint64 // SpaceSourceLog: channel -> log sequence
	clock    uint64            // SpaceTargetClock: logical timestamp
}

// Initial returns the empty cursor of a given space: positioned before any
// event, but tagged so it can be advanced and compared within that space.
func Initial(space Space) Cursor {
	return Cursor{space: space}
}

// FromLog builds a source-log cursor holding a single channel position.
func FromLog(channel string, seq uint64) Cursor {
	return Cursor{space: SpaceSourceLog, channels: map[string]uint64{channel: seq}}
}

// FromClock builds a target-clock cursor at the given logical timestamp.
func FromClock(ts uint64) Cursor {
	return Cursor{space: SpaceTargetClock, clock: ts}
}

// Space reports the address space the cursor belongs to.
func (c Cursor) Space() Space { return c.space }

// IsZero reports whether the cursor is the null cursor.
func (c Cursor) IsZero() bool {
	return c.space == SpaceNone || (len(c.channels) == 0 && c.clock == 0)
}

// Channel returns the position recorded for a source-log channel, or zero.
func (c Cursor) Channel(name string) uint64 { return c.channels[name] }

// Clock returns the logical timestamp of a target-clock cursor, or zero.
func (c Cursor) Clock() uint64 { return c.clock }

// AtOrAfter reports whether c is positioned at or after other. The null
// cursor compares as before everything in any space. Comparing two non-null
// cursors from different spaces fails with ErrIncomparableCursor.
//
// Source-log cursors compare channel-wise: c is at-or-after other only if
// every channel other has seen is at an equal or later position in c.
func (c Cursor) AtOrAfter(other Cursor) (bool, error) {
	if other.IsZero() {
		return true, nil
	}
	if c.IsZero() {
		return false, nil
	}
	if c.space != other.space {
		return false, fmt.Errorf("%w: %s vs %s", ErrIncomparableCursor, c.space, other.space)
	}
	switch c.space {
	case SpaceTargetClock:
		return c.clock >= other.clock, nil
	default:
		for ch, seq := range other.channels {
			if c.channels[ch] < seq {
				return false, nil
			}
		}
		return true, nil
	}
}

// Advance returns the cursor moved forward by one committed event at
// (channel, seq) in the source log, or at logical time seq for a
// target-clock cursor. Advancing never regresses a position: an event at an
// older position leaves the cursor unchanged. A null cursor advanced this
// way becomes a source-log cursor.
func (c Cursor) Advance(channel string, seq uint64) Cursor {
	if c.space == SpaceTargetClock {
		if seq > c.clock {
			return Cursor{space: SpaceTargetClock, clock: seq}
		}
		return c
	}
	next := make(map[string]uint64, len(c.channels)+1)
	for ch, s := range c.channels {
		next[ch] = s
	}
	if seq > next[channel] {
		next[channel] = seq
	}
	return Cursor{space: SpaceSourceLog, channels: next}
}

// String renders the cursor in the form Parse accepts:
// "none", "log:wal=16/B374D848" or "clock:1756640000000000000".
func (c Cursor) String() string {
	switch c.space {
	case SpaceSourceLog:
		names := make([]string, 0, len(c.channels))
		for ch := range c.channels {
			names = append(names, ch)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, ch := range names {
			parts = append(parts, ch+"="+formatLogSeq(c.channels[ch]))
		}
		return "log:" + strings.Join(parts, ",")
	case SpaceTargetClock:
		return "clock:" + strconv.FormatUint(c.clock, 10)
	default:
		return "none"
	}
}

// Parse decodes a cursor previously rendered by String.
func Parse(raw string) (Cursor, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "" || raw == "none":
		return Cursor{}, nil
	case strings.HasPrefix(raw, "clock:"):
		ts, err := strconv.ParseUint(raw[len("clock:"):], 10, 64)
		if err != nil {
			return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, raw)
		}
		return FromClock(ts), nil
	case strings.HasPrefix(raw, "log:"):
		body := raw[len("log:"):]
		channels := make(map[string]uint64)
		if body != "" {
			for _, part := range strings.Split(body, ",") {
				name, pos, ok := strings.Cut(part, "=")
				if !ok || name == "" {
					return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, raw)
				}
				seq, err := parseLogSeq(pos)
				if err != nil {
					return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, raw)
				}
				channels[name] = seq
			}
		}
		return Cursor{space: SpaceSourceLog, channels: channels}, nil
	default:
		return Cursor{}, fmt.Errorf("%w: %q", ErrInvalidCursor, raw)
	}
}

// Log sequences use the Postgres LSN notation (hi/lo hex halves).

func formatLogSeq(seq uint64) string {
	return fmt.Sprintf("%X/%X", uint32(seq>>32), uint32(seq))
}

func parseLogSeq(s string) (uint64, error) {
	hiStr, loStr, ok := strings.Cut(s, "/")
	if !ok {
		return 0, ErrInvalidCursor
	}
	hi, err := strconv.ParseUint(hiStr, 16, 32)
	if err != nil {
		return 0, err
	}
	lo, err := strconv.ParseUint(loStr, 16, 32)
	if err != nil {
		return 0, err
	}
	return hi<<32 | lo, nil
}
