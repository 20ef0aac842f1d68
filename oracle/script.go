package oracle

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrScriptExhausted is returned when a Script has no steps left.
var ErrScriptExhausted = errors.New("oracle: script exhausted")

// Step is one scripted oracle answer.
type Step struct {
	Reply string
	Err   error

	// Delay holds the answer back. A context that ends first wins.
	Delay time.Duration
}

// Reply returns a Step answering text.
func Reply(text string) Step { return Step{Reply: text} }

// Fail returns a Step failing with err.
func Fail(err error) Step { return Step{Err: err} }

// Call records one request a Script received.
type Call struct {
	System string
	User   string
}

// Script is a deterministic Oracle that replays queued steps in order. It
// is safe for concurrent use.
type Script struct {
	mu    sync.Mutex
	steps []Step
	calls []Call
}

// NewScript returns a Script answering with steps.
func NewScript(steps ...Step) *Script {
	return &Script{steps: append([]Step(nil), steps...)}
}

// Name returns "script".
func (s *Script) Name() string { return "script" }

// Complete returns the next step's answer.
func (s *Script) Complete(ctx context.Context, system, user string) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{System: system, User: user})
	if len(s.steps) == 0 {
		s.mu.Unlock()
		return "", ErrScriptExhausted
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()

	if step.Delay > 0 {
		if err := sleep(ctx, step.Delay); err != nil {
			return "", err
		}
	}
	return step.Reply, step.Err
}

// Calls returns the requests received so far.
func (s *Script) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Remaining returns the number of unused steps.
func (s *Script) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}
