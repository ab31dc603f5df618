package mesh

import (
	"runtime"
	"time"
)

// Select performs a single non-blocking pass across eps in order, returning
// the first deliverable message found.
func Select(eps []*Endpoint) (*Message, error) {
	for _, ep := range eps {
		if m, err := ep.Recv(); err == nil {
			return m, nil
		}
	}
	return nil, ErrNoMessages
}

// SelectOrBlock round-robins non-blocking Recv calls across eps until one
// succeeds or d elapses.
func SelectOrBlock(eps []*Endpoint, d time.Duration) (*Message, error) {
	deadline := time.Now().Add(d)
	for {
		if m, err := Select(eps); err == nil {
			return m, nil
		}
		if !time.Now().Before(deadline) {
			return nil, ErrTimedOut
		}
		runtime.Gosched()
	}
}

// SelectForever round-robins non-blocking Recv calls across eps
// indefinitely until one succeeds.
func SelectForever(eps []*Endpoint) (*Message, error) {
	for {
		if m, err := Select(eps); err == nil {
			return m, nil
		}
		runtime.Gosched()
	}
}
