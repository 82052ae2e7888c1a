package file

import (
    "context"
    "os"
    "path/filepath"
    "testing"
    "time"
)

func seeds(t *testing.T, d interface {
    Seeds(context.Context) ([]string, error)
}) []string {
    t.Helper()
    got, err := d.Seeds(context.Background())
    if err != nil { t.Fatal(err) }
    return got
}

func TestEnvOverridesFile(t *testing.T) {
    dir := t.TempDir()
    f := filepath.Join(dir, "seeds.txt")
    if err := os.WriteFile(f, []byte("a@h:1\n"), 0o644); err != nil { t.Fatal(err) }

    const envName = "TEST_GOSSIP_SEEDS"
    t.Setenv(envName, "y@h:8,x@h:9")

    got := seeds(t, New(Options{Path: f, Env: envName}))
    if len(got) != 2 || got[0] != "x@h:9" || got[1] != "y@h:8" {
        t.Fatalf("env override failed, got %#v", got)
    }
}

func TestFileReadAndCacheRefresh(t *testing.T) {
    dir := t.TempDir()
    f := filepath.Join(dir, "seeds.txt")
    if err := os.WriteFile(f, []byte("# seeds\na:1 # first\nb:2\n"), 0o644); err != nil { t.Fatal(err) }

    d := New(Options{Path: f, Refresh: time.Minute}).(*source)
    now := time.Now()
    d.now = func() time.Time { return now }
    got := seeds(t, d)
    if len(got) != 2 || got[0] != "a:1" || got[1] != "b:2" {
        t.Fatalf("unexpected initial seeds: %#v", got)
    }

    if err := os.WriteFile(f, []byte("b:2,c:3\n"), 0o644); err != nil { t.Fatal(err) }
    // keep mtime unchanged so only staleness triggers the reload
    if err := os.Chtimes(f, d.mtime, d.mtime); err != nil { t.Fatal(err) }
    if got := seeds(t, d); len(got) != 2 || got[0] != "a:1" {
        t.Fatalf("expected cached seeds, got %#v", got)
    }

    now = now.Add(2 * time.Minute)
    got = seeds(t, d)
    if len(got) != 2 || got[0] != "b:2" || got[1] != "c:3" {
        t.Fatalf("expected refreshed seeds, got %#v", got)
    }
}

func TestGlobReadsUniqueSorted(t *testing.T) {
    dir := t.TempDir()
    if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a:1\nb:2\n"), 0o644); err != nil { t.Fatal(err) }
    if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b:2\nc:3\n"), 0o644); err != nil { t.Fatal(err) }

    got := seeds(t, New(Options{Path: filepath.Join(dir, "*.txt")}))
    want := []string{"a:1", "b:2", "c:3"}
    if len(got) != len(want) {
        t.Fatalf("len mismatch: got %d want %d (%#v)", len(got), len(want), got)
    }
    for i := range want {
        if got[i] != want[i] {
            t.Fatalf("item %d: got %q want %q (%#v)", i, got[i], want[i], got)
        }
    }
}

func TestMissingFile(t *testing.T) {
    d := New(Options{Path: filepath.Join(t.TempDir(), "nope-*.txt")})
    if _, err := d.Seeds(context.Background()); err == nil {
        t.Fatal("expected error for missing seed files")
    }
    got, err := New(Options{}).Seeds(context.Background())
    if err != nil || got != nil {
        t.Fatalf("empty options: got %#v, %v", got, err)
    }
}
