// Package pubsub is a small multicast bus used to fan events out to any number
// of subscribers. Publishing never blocks and never drops: each subscriber has
// its own queue drained into its channel by a pump goroutine, so a slow
// subscriber only delays itself. Subscribers only observe values published
// after they subscribed.
package pubsub

import (
    "context"
    "sync"
)

type Bus[T any] struct {
    mu     sync.Mutex
    subs   map[*subscriber[T]]struct{}
    buf    int
    closed bool
    done   chan struct{}
}

type subscriber[T any] struct {
    out  chan T
    wake chan struct{}

    mu    sync.Mutex
    queue []T
}

// New returns a bus whose subscriber channels have the given buffer size.
func New[T any](buf int) *Bus[T] {
    if buf <= 0 { buf = 64 }
    return &Bus[T]{subs: make(map[*subscriber[T]]struct{}), buf: buf, done: make(chan struct{})}
}

// Subscribe registers a new subscriber. The returned channel is closed when
// ctx is done or the bus is closed; values still queued at that point are
// discarded.
func (b *Bus[T]) Subscribe(ctx context.Context) <-chan T {
    s := &subscriber[T]{out: make(chan T, b.buf), wake: make(chan struct{}, 1)}
    b.mu.Lock()
    if b.closed {
        b.mu.Unlock()
        close(s.out)
        return s.out
    }
    b.subs[s] = struct{}{}
    b.mu.Unlock()
    go b.pump(ctx, s)
    return s.out
}

// pump moves queued values into s.out in publish order. It is the only
// writer of s.out and closes it on exit.
func (b *Bus[T]) pump(ctx context.Context, s *subscriber[T]) {
    defer close(s.out)
    defer b.remove(s)
    for {
        s.mu.Lock()
        if len(s.queue) == 0 {
            s.mu.Unlock()
            select {
            case <-s.wake:
                continue
            case <-ctx.Done():
                return
            case <-b.done:
                return
            }
        }
        v := s.queue[0]
        var zero T
        s.queue[0] = zero
        s.queue = s.queue[1:]
        s.mu.Unlock()
        select {
        case s.out <- v:
        case <-ctx.Done():
            return
        case <-b.done:
            return
        }
    }
}

func (s *subscriber[T]) push(v T) {
    s.mu.Lock()
    s.queue = append(s.queue, v)
    s.mu.Unlock()
    select {
    case s.wake <- struct{}{}:
    default:
    }
}

func (b *Bus[T]) remove(s *subscriber[T]) {
    b.mu.Lock()
    defer b.mu.Unlock()
    delete(b.subs, s)
}

// Publish queues v for every subscriber and returns how many there were.
func (b *Bus[T]) Publish(v T) int {
    b.mu.Lock()
    defer b.mu.Unlock()
    if b.closed { return 0 }
    for s := range b.subs { s.push(v) }
    return len(b.subs)
}

// Len returns the number of active subscribers.
func (b *Bus[T]) Len() int {
    b.mu.Lock()
    defer b.mu.Unlock()
    return len(b.subs)
}

// Close ends every subscription. Later subscriptions receive an
// already-closed channel.
func (b *Bus[T]) Close() {
    b.mu.Lock()
    defer b.mu.Unlock()
    if b.closed { return }
    b.closed = true
    close(b.done)
}
