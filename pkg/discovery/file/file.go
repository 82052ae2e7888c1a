// Package file reads seeds from an environment variable or from files, one
// or more comma-separated seeds per line, '#' starting a comment.
package file

import (
    "bufio"
    "context"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/amirimatin/go-gossip/pkg/discovery"
)

// Options configures file/ENV-based discovery.
type Options struct {
    // Path is a file or a glob; with a glob every match is merged.
    Path string
    // Env, when set and non-empty in the environment, overrides Path.
    Env string
    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration
    Logger  *zap.Logger
}

type source struct {
    opts  Options
    log   *zap.Logger
    now   func() time.Time
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    lg := opts.Logger
    if lg == nil { lg = zap.NewNop() }
    return &source{opts: opts, log: lg.With(zap.String("discovery", "file")), now: time.Now}
}

func (s *source) Seeds(ctx context.Context) ([]string, error) {
    if err := ctx.Err(); err != nil { return nil, err }
    if s.opts.Env != "" {
        if v := os.Getenv(s.opts.Env); strings.TrimSpace(v) != "" { return discovery.Parse(v), nil }
    }
    if s.opts.Path == "" { return nil, nil }

    s.mu.Lock()
    defer s.mu.Unlock()
    now := s.now()
    if st, err := os.Stat(s.opts.Path); err == nil {
        if st.ModTime().After(s.mtime) || now.Sub(s.last) >= s.opts.Refresh {
            seeds, err := loadFile(s.opts.Path)
            if err != nil { return s.stale(err) }
            s.cache, s.last, s.mtime = seeds, now, st.ModTime()
        }
        return append([]string(nil), s.cache...), nil
    }
    matches, err := filepath.Glob(s.opts.Path)
    if err != nil { return nil, fmt.Errorf("file discovery: %w", err) }
    if len(matches) == 0 { return s.stale(fmt.Errorf("file discovery: no files match %q", s.opts.Path)) }
    var all []string
    for _, m := range matches {
        seeds, err := loadFile(m)
        if err != nil {
            s.log.Warn("skipping unreadable seed file", zap.String("path", m), zap.Error(err))
            continue
        }
        all = append(all, seeds...)
    }
    s.cache, s.last = discovery.Normalize(all), now
    return append([]string(nil), s.cache...), nil
}

// stale returns the last good result when there is one.
func (s *source) stale(err error) ([]string, error) {
    if s.cache == nil { return nil, err }
    s.log.Warn("serving cached seeds", zap.Error(err))
    return append([]string(nil), s.cache...), nil
}

func loadFile(path string) ([]string, error) {
    f, err := os.Open(path)
    if err != nil { return nil, err }
    defer f.Close()
    var seeds []string
    sc := bufio.NewScanner(f)
    for sc.Scan() {
        line := strings.TrimSpace(sc.Text())
        if i := strings.IndexByte(line, '#'); i >= 0 { line = line[:i] }
        seeds = append(seeds, strings.Split(line, ",")...)
    }
    if err := sc.Err(); err != nil { return nil, err }
    return discovery.Normalize(seeds), nil
}
