package model

import "time"

type Step struct {
	Action   ActionKind
	Delay    time.Duration
	AwaitAck bool
	Template string
}

type Campaign struct {
	ID         string
	Name       string
	AccountID  string
	Steps      []Step
	MaxRetries int
}

// StepAt returns the step at index i and whether it exists.
func (c Campaign) StepAt(i int) (Step, bool) {
	if i < 0 || i >= len(c.Steps) {
		return Step{}, false
	}
	return c.Steps[i], true
}

// Last reports whether i is the final step of the sequence.
func (c Campaign) Last(i int) bool {
	return i == len(c.Steps)-1
}
