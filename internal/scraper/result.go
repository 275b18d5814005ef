package scraper

// Outcome classifies how one unit of work (an account) ended.
type Outcome string

// Supported outcomes.
const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Result is the per-account outcome reported by the scrape stage.
type Result struct {
	AccountID string
	Outcome   Outcome
	// PhonesAdded counts numbers newly inserted by this run, including pages
	// committed before a failure.
	PhonesAdded int
	// LastPage is the last page committed by this run; 0 if none.
	LastPage int
	Err      error
}

// Tally aggregates results.
type Tally struct {
	Succeeded   int
	Skipped     int
	Failed      int
	PhonesAdded int
}

// Add folds r into the tally.
func (t *Tally) Add(r Result) {
	switch r.Outcome {
	case OutcomeSucceeded:
		t.Succeeded++
	case OutcomeSkipped:
		t.Skipped++
	case OutcomeFailed:
		t.Failed++
	}
	t.PhonesAdded += r.PhonesAdded
}

// Merge folds another tally into t.
func (t *Tally) Merge(o Tally) {
	t.Succeeded += o.Succeeded
	t.Skipped += o.Skipped
	t.Failed += o.Failed
	t.PhonesAdded += o.PhonesAdded
}

// Processed counts accounts that were attempted.
func (t Tally) Processed() int {
	return t.Succeeded + t.Failed
}
