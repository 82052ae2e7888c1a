package transport

import (
    "context"
    "sync"
)

// Future is the result handle for Send and Close. It completes exactly once.
// All methods are safe on a nil *Future, so callers that do not care about the
// outcome may pass nil.
type Future struct {
    mu   sync.Mutex
    done chan struct{}
    err  error
    fin  bool
    cbs  []func(error)
}

func NewFuture() *Future { return &Future{done: make(chan struct{})} }

// Complete resolves the future. It returns false if it was already complete.
func (f *Future) Complete(err error) bool {
    if f == nil { return false }
    f.mu.Lock()
    if f.fin {
        f.mu.Unlock()
        return false
    }
    f.fin = true
    f.err = err
    cbs := f.cbs
    f.cbs = nil
    close(f.done)
    f.mu.Unlock()
    for _, cb := range cbs { cb(err) }
    return true
}

// OnComplete registers fn to run with the result. If the future is already
// complete fn runs immediately on the caller's goroutine.
func (f *Future) OnComplete(fn func(error)) {
    if f == nil || fn == nil { return }
    f.mu.Lock()
    if f.fin {
        err := f.err
        f.mu.Unlock()
        fn(err)
        return
    }
    f.cbs = append(f.cbs, fn)
    f.mu.Unlock()
}

// Done is closed once the future completes.
func (f *Future) Done() <-chan struct{} {
    if f == nil {
        ch := make(chan struct{})
        close(ch)
        return ch
    }
    return f.done
}

// Err returns the result, or nil while pending.
func (f *Future) Err() error {
    if f == nil { return nil }
    f.mu.Lock()
    defer f.mu.Unlock()
    return f.err
}

// Wait blocks until completion or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
    if f == nil { return nil }
    select {
    case <-f.done:
        return f.Err()
    case <-ctx.Done():
        return ctx.Err()
    }
}
