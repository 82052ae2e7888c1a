package pubsub

import (
    "context"
    "testing"
    "time"
)

func TestPublishReachesEverySubscriber(t *testing.T) {
    b := New[int](4)
    defer b.Close()
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()

    s1 := b.Subscribe(ctx)
    s2 := b.Subscribe(ctx)
    if n := b.Publish(7); n != 2 { t.Fatalf("delivered to %d subscribers, want 2", n) }
    for i, s := range []<-chan int{s1, s2} {
        select {
        case v := <-s:
            if v != 7 { t.Fatalf("sub %d got %d", i, v) }
        case <-time.After(time.Second):
            t.Fatalf("sub %d: timeout", i)
        }
    }
}

func TestNoReplayForLateSubscriber(t *testing.T) {
    b := New[string](4)
    defer b.Close()
    b.Publish("early")
    s := b.Subscribe(context.Background())
    b.Publish("late")
    if v := <-s; v != "late" { t.Fatalf("got %q, want late", v) }
}

func TestSlowSubscriberKeepsEveryValueInOrder(t *testing.T) {
    b := New[int](1)
    defer b.Close()
    s := b.Subscribe(context.Background())
    const n = 500
    for i := 0; i < n; i++ {
        if got := b.Publish(i); got != 1 { t.Fatalf("publish %d queued for %d subscribers", i, got) }
    }
    for i := 0; i < n; i++ {
        select {
        case v := <-s:
            if v != i { t.Fatalf("got %d, want %d", v, i) }
        case <-time.After(time.Second):
            t.Fatalf("value %d never arrived", i)
        }
    }
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
    b := New[int](1)
    b.Close()
    if n := b.Publish(1); n != 0 { t.Fatalf("publish after close reached %d subscribers", n) }
}

func TestCancelAndClose(t *testing.T) {
    b := New[int](1)
    ctx, cancel := context.WithCancel(context.Background())
    s := b.Subscribe(ctx)
    cancel()
    select {
    case _, ok := <-s:
        if ok { t.Fatalf("expected closed channel") }
    case <-time.After(time.Second):
        t.Fatalf("subscription not closed after cancel")
    }
    if b.Len() != 0 { t.Fatalf("subscriber not removed") }

    s2 := b.Subscribe(context.Background())
    b.Close()
    if _, ok := <-s2; ok { t.Fatalf("expected closed channel after Close") }
    if _, ok := <-b.Subscribe(context.Background()); ok { t.Fatalf("subscribe after close should be closed") }
}
