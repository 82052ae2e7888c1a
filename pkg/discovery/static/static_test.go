package static

import (
    "context"
    "testing"
)

func TestNew(t *testing.T) {
    d := New(" b@h:2 ", "", "a@h:1", "a@h:1")
    got, err := d.Seeds(context.Background())
    if err != nil { t.Fatal(err) }
    if len(got) != 2 || got[0] != "a@h:1" || got[1] != "b@h:2" {
        t.Fatalf("unexpected seeds: %#v", got)
    }
    got[0] = "x"
    again, _ := d.Seeds(context.Background())
    if again[0] != "a@h:1" {
        t.Fatalf("seeds slice is shared with caller: %#v", again)
    }
}

func TestFromCSV(t *testing.T) {
    got, _ := FromCSV("h:2,h:1,").Seeds(context.Background())
    if len(got) != 2 || got[0] != "h:1" {
        t.Fatalf("unexpected seeds: %#v", got)
    }
    got, _ = FromCSV("").Seeds(context.Background())
    if len(got) != 0 {
        t.Fatalf("expected no seeds, got %#v", got)
    }
}
