// Package discovery provides seed addresses used to join a cluster. A seed is
// either "host:port" (memberlist) or "id@host:port" (static membership); the
// sources here treat seeds as opaque strings.
package discovery

import (
    "context"
    "errors"
    "sort"
    "strings"
)

// Discovery abstracts how seed nodes are provided.
type Discovery interface {
    Seeds(ctx context.Context) ([]string, error)
}

// Func adapts a function to Discovery.
type Func func(ctx context.Context) ([]string, error)

func (f Func) Seeds(ctx context.Context) ([]string, error) { return f(ctx) }

// Parse splits a comma-separated list into normalized seeds.
func Parse(csv string) []string {
    if strings.TrimSpace(csv) == "" { return nil }
    return Normalize(strings.Split(csv, ","))
}

// Normalize trims, drops empty entries and duplicates, and sorts.
func Normalize(seeds []string) []string {
    set := make(map[string]struct{}, len(seeds))
    out := make([]string, 0, len(seeds))
    for _, s := range seeds {
        s = strings.TrimSpace(s)
        if s == "" { continue }
        if _, dup := set[s]; dup { continue }
        set[s] = struct{}{}
        out = append(out, s)
    }
    if len(out) == 0 { return nil }
    sort.Strings(out)
    return out
}

type multi []Discovery

// Multi merges the seeds of several sources. It fails only when every
// source fails; partial failures are ignored.
func Multi(ds ...Discovery) Discovery { return multi(ds) }

func (m multi) Seeds(ctx context.Context) ([]string, error) {
    var all []string
    var errs []error
    for _, d := range m {
        s, err := d.Seeds(ctx)
        if err != nil {
            errs = append(errs, err)
            continue
        }
        all = append(all, s...)
    }
    if len(errs) > 0 && len(errs) == len(m) { return nil, errors.Join(errs...) }
    return Normalize(all), nil
}
