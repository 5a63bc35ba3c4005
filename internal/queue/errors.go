package queue

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPayloadType = errors.New("unknown payload type")
	ErrDeserialization    = errors.New("deserialize payload")
	ErrHandler            = errors.New("handler failed")
	ErrLogAccess          = errors.New("event log access")
	ErrLaneStopped        = errors.New("lane stopped")
)

// LaneError is returned by Lane.Run when the lane terminates because an entry
// could not be applied.
type LaneError struct {
	Partition string
	Lane      int
	Position  Position
	Err       error
}

func (e *LaneError) Error() string {
	return fmt.Sprintf("lane %s#%d at %d: %v", e.Partition, e.Lane, e.Position.Sequence, e.Err)
}

func (e *LaneError) Unwrap() error { return e.Err }
