package queue

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Position locates an entry in the log. Sequence is the total order; Time is
// the entry's creation time and bounds reads from a stale cursor.
type Position struct {
	Sequence int64
	Time     time.Time
}

// Before reports whether p sorts strictly before o.
func (p Position) Before(o Position) bool {
	return p.Sequence < o.Sequence
}

// IsZero reports whether p is the zero position.
func (p Position) IsZero() bool {
	return p.Sequence == 0 && p.Time.IsZero()
}

// String encodes p as "<sequence>|<RFC3339Nano time>".
func (p Position) String() string {
	return strconv.FormatInt(p.Sequence, 10) + "|" + p.Time.UTC().Format(time.RFC3339Nano)
}

// ParsePosition decodes the String form.
func ParsePosition(s string) (Position, error) {
	seqPart, timePart, ok := strings.Cut(strings.TrimSpace(s), "|")
	if !ok {
		return Position{}, fmt.Errorf("parse position %q: missing separator", s)
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil || seq < 0 {
		return Position{}, fmt.Errorf("parse position %q: invalid sequence", s)
	}
	ts, err := time.Parse(time.RFC3339Nano, timePart)
	if err != nil {
		return Position{}, fmt.Errorf("parse position %q: %w", s, err)
	}
	return Position{Sequence: seq, Time: ts.UTC()}, nil
}
