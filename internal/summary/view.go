package summary

import (
	"context"
	"errors"
	"sync"
)

// ErrStale is returned by Run when the view was closed or reopened while
// the request was in flight. The result is discarded.
var ErrStale = errors.New("summary view closed")

// View gates summary results on the view that asked for them. Only the
// most recent Open may apply a result, and Close cancels the request in
// flight.
type View struct {
	s Summarizer

	mu     sync.Mutex
	ticket uint64
	open   bool
	cancel context.CancelFunc
}

func NewView(s Summarizer) *View { return &View{s: s} }

// Open starts a new view, superseding any earlier one.
func (v *View) Open() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopLocked()
	v.ticket++
	v.open = true
	return v.ticket
}

// Close ends the view and cancels its request.
func (v *View) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopLocked()
	v.ticket++
	v.open = false
}

func (v *View) stopLocked() {
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
}

// Current reports whether ticket is the open view.
func (v *View) Current(ticket uint64) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open && v.ticket == ticket
}

// Run summarizes req for ticket. apply runs only if ticket is still the
// open view when the answer arrives; otherwise Run returns ErrStale.
func (v *View) Run(ctx context.Context, ticket uint64, req Request, apply func(summary string, err error)) error {
	v.mu.Lock()
	if !v.open || v.ticket != ticket {
		v.mu.Unlock()
		return ErrStale
	}
	v.stopLocked()
	ctx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.mu.Unlock()
	defer cancel()

	out, err := v.s.Summarize(ctx, req)

	v.mu.Lock()
	current := v.open && v.ticket == ticket
	v.mu.Unlock()
	if !current {
		return ErrStale
	}
	apply(out, err)
	return nil
}
