package gossip

import (
    "crypto/rand"
    "io"
    "sync"
    "time"

    "github.com/oklog/ulid/v2"
)

// idSource hands out lexically sortable, unique gossip ids.
type idSource struct {
    mu      sync.Mutex
    entropy io.Reader
}

func newIDSource() *idSource {
    return &idSource{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (s *idSource) next(now time.Time) (string, error) {
    s.mu.Lock()
    defer s.mu.Unlock()
    id, err := ulid.New(ulid.Timestamp(now), s.entropy)
    if err != nil { return "", err }
    return id.String(), nil
}
