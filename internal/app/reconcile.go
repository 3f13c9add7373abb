/**
 * @description
 * The pure merge rules shared by the webhook and poll channels. Reduce never touches
 * storage; the Reconciler persists its Outcome with a compare-and-set on the consent
 * row version, so replaying an event, or receiving events in a different order,
 * converges on the same stored state.
 */
package app

import (
	"encoding/json"

	"github.com/transfa/aa-service/internal/domain"
)

// StatusEvent is one vendor status observation for a consent.
type StatusEvent struct {
	RawStatus       string
	ConsentID       string
	ReportGenerated bool
	Source          domain.StatusSource
	Payload         json.RawMessage
}

// Transition is a canonical status change produced by an event.
type Transition struct {
	From  domain.ConsentStatus
	To    domain.ConsentStatus
	Event StatusEvent
}

// Outcome is the state after folding one or more events, plus what changed.
type Outcome struct {
	State             domain.ConsentState
	Transitions       []Transition
	Unrecognized      []StatusEvent
	StaleIgnored      []domain.ConsentStatus
	ConsentIDCaptured bool
	ReportFlagged     bool
	FIClaimed         bool
	ReportClaimed     bool
}

// StatusChanged reports whether the canonical status moved.
func (o Outcome) StatusChanged() bool {
	return len(o.Transitions) > 0
}

// Reduce applies a single event to state.
func Reduce(state domain.ConsentState, ev StatusEvent) Outcome {
	return Fold(state, []StatusEvent{ev})
}

// Fold applies events in order. Each event sees the state left by the previous one.
// Transitions describe the net path from the starting status: a batch that leaves
// and returns to a status records nothing for the detour. Trigger claims are made
// against the final state only.
func Fold(state domain.ConsentState, events []StatusEvent) Outcome {
	out := Outcome{State: state}
	sawActive := false
	for _, ev := range events {
		if out.apply(ev) == domain.ConsentStatusActive {
			sawActive = true
		}
	}
	out.claim(sawActive)
	return out
}

func (o *Outcome) apply(ev StatusEvent) domain.ConsentStatus {
	canonical, ok := domain.MapVendorStatus(ev.RawStatus)
	if !ok {
		o.Unrecognized = append(o.Unrecognized, ev)
		return ""
	}

	next := &o.State
	if canonical != next.Status {
		if canonical.IsRegressionFrom(next.Status) {
			o.StaleIgnored = append(o.StaleIgnored, canonical)
		} else {
			o.recordTransition(Transition{From: next.Status, To: canonical, Event: ev})
			next.Status = canonical
		}
	}

	// First write wins; a later different consent_id is ignored.
	if canonical == domain.ConsentStatusActive && ev.ConsentID != "" && next.ConsentID == "" {
		next.ConsentID = ev.ConsentID
		o.ConsentIDCaptured = true
	}

	if canonical == domain.ConsentStatusReady || ev.ReportGenerated {
		if !next.ReportGenerated || next.ReportStatus != domain.ReportStatusCompleted {
			next.ReportGenerated = true
			next.ReportStatus = domain.ReportStatusCompleted
			o.ReportFlagged = true
		}
	}
	return canonical
}

// recordTransition appends t, cutting the path back when t returns to a status the
// path already passed through.
func (o *Outcome) recordTransition(t Transition) {
	for i, kept := range o.Transitions {
		if kept.From == t.To {
			o.Transitions = o.Transitions[:i]
			return
		}
	}
	o.Transitions = append(o.Transitions, t)
}

func (o *Outcome) claim(sawActive bool) {
	next := &o.State
	if sawActive && next.Status == domain.ConsentStatusActive &&
		next.ConsentID != "" && !next.FIRequestInitiated {
		next.FIRequestInitiated = true
		o.FIClaimed = true
	}

	if next.Status == domain.ConsentStatusReady && next.ReportGenerated &&
		next.TxnID != "" && !next.ReportRetrievalStarted {
		next.ReportRetrievalStarted = true
		o.ReportClaimed = true
	}
}
