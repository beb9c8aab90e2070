package identity

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipewright/pipewright/pkg/schema"
)

// Run ID generation modes.
const (
	// ModeTimestamp produces sortable UTC timestamp IDs
	// (e.g. "20260831T142501.123456789"). Lexicographic order equals
	// chronological order, which keeps file/key listings browsable.
	ModeTimestamp = "timestamp"
	// ModeRandom produces UUIDv4 IDs for callers that must not leak
	// submission time.
	ModeRandom = "random"
)

const timestampLayout = "20060102T150405.000000000"

var validModes = map[string]bool{
	ModeTimestamp: true,
	ModeRandom:    true,
}

// ValidateMode checks that mode is a known run-id generation mode.
// The empty string is accepted and means the engine default.
func ValidateMode(mode string) error {
	if mode == "" {
		return nil
	}
	if !validModes[mode] {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid run id mode %q: must be one of timestamp, random", mode)
	}
	return nil
}

var (
	lastMu sync.Mutex
	lastTS string
)

// NewRunID generates a run ID in the given mode (default ModeTimestamp).
// Timestamp IDs are guaranteed locally monotonic: two calls in the same
// nanosecond (or a clock step backwards) never return the same value.
// Uniqueness across processes is the store's job. CreateRun treats a
// collision as a fatal IDENTITY_ERROR rather than overwriting.
func NewRunID(mode string) string {
	switch mode {
	case ModeRandom:
		return uuid.New().String()
	default:
		lastMu.Lock()
		defer lastMu.Unlock()
		ts := time.Now().UTC().Format(timestampLayout)
		for ts <= lastTS {
			ts = time.Now().UTC().Format(timestampLayout)
		}
		lastTS = ts
		return ts
	}
}
