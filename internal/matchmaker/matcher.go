package matchmaker

import "github.com/interlab/experiment-coordinator/internal/domain/model"

// TimeoutDecision is what happens to an entry whose waitroom timer fired.
type TimeoutDecision int

const (
	// TimeoutRedirect ends the participant's run with a redirect payload.
	TimeoutRedirect TimeoutDecision = iota
	// TimeoutContinue keeps the entry queued and re-arms the timer.
	TimeoutContinue
	// TimeoutPairWithBots starts the game with the lone human; the client
	// fills the remaining slots with scripted partners.
	TimeoutPairWithBots
)

type TimeoutAction struct {
	Decision TimeoutDecision
	Redirect string
}

// DropoutDecision is what happens to the rest of a queue when one waiting
// member drops out.
type DropoutDecision int

const (
	// DropoutContinueWaiting keeps the remaining entries queued.
	DropoutContinueWaiting DropoutDecision = iota
	// DropoutCancel ends the wait for everyone still queued.
	DropoutCancel
)

// Matcher is the pluggable grouping strategy for one scene. FindMatch runs
// synchronously under the waiting-room lock with a snapshot of the queue
// (arriving entry included, last); returning a non-nil slice of exactly
// groupSize entries forms a group atomically.
type Matcher interface {
	FindMatch(arriving *model.WaitingEntry, waiting []*model.WaitingEntry, groupSize int) []*model.WaitingEntry
	OnTimeout(entry *model.WaitingEntry) TimeoutAction
	OnDropout(entry *model.WaitingEntry, remaining []*model.WaitingEntry) DropoutDecision
}

// FIFOMatcher is the default policy: first groupSize arrivals form a group.
type FIFOMatcher struct {
	// RedirectURL, when set, is delivered on waitroom timeout.
	RedirectURL string
}

func (m *FIFOMatcher) FindMatch(_ *model.WaitingEntry, waiting []*model.WaitingEntry, groupSize int) []*model.WaitingEntry {
	if len(waiting) < groupSize {
		return nil
	}
	return waiting[:groupSize]
}

func (m *FIFOMatcher) OnTimeout(*model.WaitingEntry) TimeoutAction {
	return TimeoutAction{Decision: TimeoutRedirect, Redirect: m.RedirectURL}
}

func (m *FIFOMatcher) OnDropout(*model.WaitingEntry, []*model.WaitingEntry) DropoutDecision {
	return DropoutContinueWaiting
}
