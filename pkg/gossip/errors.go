package gossip

import "errors"

var (
    ErrNotGossip      = errors.New("gossip: message is not a gossip request")
    ErrAlreadyStarted = errors.New("gossip: already started")
    ErrStopped        = errors.New("gossip: stopped")
    ErrInvalidOptions = errors.New("gossip: invalid options")
)
