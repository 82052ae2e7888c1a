package cluster

import "errors"

var (
    ErrNotStarted = errors.New("cluster: not started")
    ErrClosed     = errors.New("cluster: closed")
)
