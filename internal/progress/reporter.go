package progress

import (
	"time"
)

// Reporter stamps events with the run id, worker number and timestamp before
// handing them to an Emitter. The zero value discards events.
type Reporter struct {
	emitter Emitter
	runID   [16]byte
	worker  int
	now     func() time.Time
}

// NewReporter binds an Emitter to a run. A nil emitter yields a Reporter that
// drops everything; a nil now uses time.Now in UTC.
func NewReporter(emitter Emitter, runID string, now func() time.Time) Reporter {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return Reporter{emitter: emitter, runID: ParseRunID(runID), now: now}
}

// WithWorker returns a copy that tags events with worker n.
func (r Reporter) WithWorker(n int) Reporter {
	r.worker = n
	return r
}

// Emit fills run id, worker and timestamp and forwards evt.
func (r Reporter) Emit(evt Event) {
	if r.emitter == nil {
		return
	}
	evt.RunID = r.runID
	evt.Worker = r.worker
	if evt.TS.IsZero() {
		evt.TS = r.now()
	}
	r.emitter.Emit(evt)
}

// RunStarted marks the beginning of a run.
func (r Reporter) RunStarted(mode string) {
	r.Emit(Event{Stage: StageRunStart, Note: mode})
}

// RunFinished marks the end of a run; a non-nil err yields RUN_ERROR.
func (r Reporter) RunFinished(dur time.Duration, err error) {
	evt := Event{Stage: StageRunDone, Dur: dur}
	if err != nil {
		evt.Stage = StageRunError
		evt.Note = err.Error()
	}
	r.Emit(evt)
}

// Token records the outcome of a token acquisition.
func (r Reporter) Token(accountID string, err error) {
	evt := Event{Stage: StageTokenAcquired, AccountID: accountID}
	if err != nil {
		evt.Stage = StageTokenFailed
		evt.Note = err.Error()
	}
	r.Emit(evt)
}

// AccountStarted records that a worker began scraping an account at page.
func (r Reporter) AccountStarted(accountID string, page int) {
	r.Emit(Event{Stage: StageAccountStart, AccountID: accountID, Page: page})
}

// PageDone records a committed page checkpoint.
func (r Reporter) PageDone(accountID string, page, phones int, dur time.Duration) {
	r.Emit(Event{Stage: StagePageDone, AccountID: accountID, Page: page, Phones: phones, Dur: dur})
}

// AccountFinished records the terminal state of one account.
func (r Reporter) AccountFinished(stage Stage, accountID string, lastPage, phones int, dur time.Duration, err error) {
	evt := Event{Stage: stage, AccountID: accountID, Page: lastPage, Phones: phones, Dur: dur}
	if err != nil {
		evt.Note = err.Error()
	}
	r.Emit(evt)
}

// Backup records a snapshot path.
func (r Reporter) Backup(path string) {
	r.Emit(Event{Stage: StageBackup, Note: path})
}
