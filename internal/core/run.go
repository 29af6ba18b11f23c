package core

import (
	"context"

	"GratisLedger/internal/event"
)

// Submission hands one event to the core goroutine. Done, when set, receives
// exactly one Result.
type Submission struct {
	Event event.Event
	Done  chan<- Result
}

type Result struct {
	Receipt Receipt
	Err     error
}

// Run is the single core goroutine: every input source funnels into in.
func (c *DeterministicCore) Run(ctx context.Context, in <-chan Submission) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sub, ok := <-in:
			if !ok {
				return nil
			}
			receipt, err := c.ProcessEvent(sub.Event)
			if sub.Done != nil {
				sub.Done <- Result{Receipt: receipt, Err: err}
			}
		}
	}
}

// Submit sends evt to the core and waits for its result.
func Submit(ctx context.Context, in chan<- Submission, evt event.Event) (Receipt, error) {
	done := make(chan Result, 1)
	select {
	case in <- Submission{Event: evt, Done: done}:
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
	select {
	case res := <-done:
		return res.Receipt, res.Err
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}
