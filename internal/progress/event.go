// Package progress defines the event structures emitted by harvest and scrape workers.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageRunDone        Stage = "RUN_DONE"
	StageRunError       Stage = "RUN_ERROR"
	StageTokenAcquired  Stage = "TOKEN_ACQUIRED"
	StageTokenFailed    Stage = "TOKEN_FAILED"
	StageAccountStart   Stage = "ACCOUNT_START"
	StagePageDone       Stage = "PAGE_DONE"
	StageAccountDone    Stage = "ACCOUNT_DONE"
	StageAccountFailed  Stage = "ACCOUNT_FAILED"
	StageAccountSkipped Stage = "ACCOUNT_SKIPPED"
	StageBackup         Stage = "BACKUP"
)

// Event captures a single step of run progress.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Worker is the 1-based worker number, 0 for sequential runs.
	Worker int
	// AccountID scopes account, page and token events.
	AccountID string
	// Page is the listing page a PAGE_DONE refers to, or the last page reached
	// for ACCOUNT_DONE / ACCOUNT_FAILED.
	Page int
	// Phones counts numbers newly stored by the page or account.
	Phones int
	// Dur captures page, account or run latency.
	Dur time.Duration
	// Note carries low-volume context such as error text or a backup path.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageBackup:
		if e.Note == "" {
			return errors.New("backup requires a path note")
		}
	case StageTokenAcquired, StageTokenFailed, StageAccountStart,
		StageAccountDone, StageAccountFailed, StageAccountSkipped:
		if e.AccountID == "" {
			return fmt.Errorf("%s requires account id", e.Stage)
		}
	case StagePageDone:
		if e.AccountID == "" {
			return errors.New("page done requires account id")
		}
		if e.Page < 1 {
			return errors.New("page done requires page >= 1")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Phones < 0 {
		return errors.New("phones must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID decodes a textual run id. Unparseable ids yield the zero value,
// which Validate rejects.
func ParseRunID(s string) [16]byte {
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}
	}
	return UUIDToBytes(id)
}
