package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseApproved  Phase = "approved"
	PhaseSent      Phase = "sent"
	PhaseAcked     Phase = "acked"
	PhaseReplied   Phase = "replied"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseRejected  Phase = "rejected"
)

// Terminal reports whether a recipient in this phase may never acquire
// new jobs.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseReplied, PhaseCompleted, PhaseFailed, PhaseRejected:
		return true
	}
	return false
}

// Lifecycle is the recipient state. Step is only meaningful for the sent
// and acked phases and counts campaign steps from zero; it renders
// one-based, e.g. {PhaseSent, 0} is "step_1_sent".
type Lifecycle struct {
	Phase Phase
	Step  int
}

func Pending() Lifecycle { return Lifecycle{Phase: PhasePending} }
func Approved() Lifecycle { return Lifecycle{Phase: PhaseApproved} }
func StepSent(step int) Lifecycle { return Lifecycle{Phase: PhaseSent, Step: step} }
func StepAcked(step int) Lifecycle { return Lifecycle{Phase: PhaseAcked, Step: step} }
func Terminal(p Phase) Lifecycle { return Lifecycle{Phase: p} }

func (l Lifecycle) String() string {
	switch l.Phase {
	case PhaseSent, PhaseAcked:
		return fmt.Sprintf("step_%d_%s", l.Step+1, l.Phase)
	default:
		return string(l.Phase)
	}
}

// Rank orders lifecycles so that transitions only ever move forward.
// Terminal phases outrank every in-flight state.
func (l Lifecycle) Rank() int {
	switch l.Phase {
	case PhasePending:
		return 0
	case PhaseApproved:
		return 1
	case PhaseSent:
		return 2 + 2*l.Step
	case PhaseAcked:
		return 3 + 2*l.Step
	default:
		return 1 << 30
	}
}

// Before reports whether moving from l to next is a forward transition.
func (l Lifecycle) Before(next Lifecycle) bool {
	return l.Rank() < next.Rank()
}

// ParseLifecycle is the inverse of Lifecycle.String.
func ParseLifecycle(s string) (Lifecycle, error) {
	var step int
	var phase string
	if n, _ := fmt.Sscanf(s, "step_%d_%s", &step, &phase); n == 2 {
		l := Lifecycle{Phase: Phase(phase), Step: step - 1}
		if (l.Phase != PhaseSent && l.Phase != PhaseAcked) || l.Step < 0 {
			return Lifecycle{}, fmt.Errorf("invalid lifecycle %q", s)
		}
		return l, nil
	}
	switch p := Phase(s); p {
	case PhasePending, PhaseApproved, PhaseReplied, PhaseCompleted, PhaseFailed, PhaseRejected:
		return Lifecycle{Phase: p}, nil
	}
	return Lifecycle{}, fmt.Errorf("invalid lifecycle %q", s)
}

// Attention flags. A flagged recipient is left alone by the reconciler
// until an operator resumes it.
const (
	AttentionManualRequeue = "needs_manual_requeue"
	AttentionOperatorHold  = "operator_hold"
)

type Recipient struct {
	ID           uuid.UUID
	Channel      string
	ExternalRef  string
	CampaignID   string
	AccountID    string
	Lifecycle    Lifecycle
	NextDueAt    *time.Time
	LastActionAt *time.Time
	Terminal     bool
	Attention    string
	Reason       string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IdentityKey is the (channel, recipient, campaign) uniqueness key.
func (r Recipient) IdentityKey() string {
	return r.Channel + "|" + r.ExternalRef + "|" + r.CampaignID
}
