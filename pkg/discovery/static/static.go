// Package static is a fixed seed list.
package static

import (
    "context"

    "github.com/amirimatin/go-gossip/pkg/discovery"
)

type staticSeeds []string

func (s staticSeeds) Seeds(context.Context) ([]string, error) { return append([]string(nil), s...), nil }

// New returns a Discovery that always returns the given seeds, normalized.
func New(seeds ...string) discovery.Discovery { return staticSeeds(discovery.Normalize(seeds)) }

// FromCSV is New over a comma-separated list, as taken from flags.
func FromCSV(csv string) discovery.Discovery { return staticSeeds(discovery.Parse(csv)) }
