package framing

import (
	"context"
	"io"
	"strings"
	"testing"
)

func collect(f *Framer, chunks ...string) []string {
	var out []string
	for _, c := range chunks {
		for _, line := range f.Feed([]byte(c)) {
			out = append(out, string(line))
		}
	}
	return out
}

func TestFeedReassemblesSplitLines(t *testing.T) {
	f := NewFramer()
	got := collect(f, `{"id":1,"met`, `hod":"a"}`+"\n"+`{"id":2`, `,"method":"b"}`+"\n")
	if len(got) != 2 {
		t.Fatalf("expected 2 lines got %d: %v", len(got), got)
	}
	if got[0] != `{"id":1,"method":"a"}` {
		t.Fatalf("unexpected first line %q", got[0])
	}
	if got[1] != `{"id":2,"method":"b"}` {
		t.Fatalf("unexpected second line %q", got[1])
	}
}

func TestFeedArbitrarySplitPoints(t *testing.T) {
	input := `{"id":1,"method":"tools/list"}` + "\n" + `{"id":2,"method":"ping"}` + "\n"
	for size := 1; size <= len(input); size++ {
		f := NewFramer()
		var got []string
		for off := 0; off < len(input); off += size {
			end := off + size
			if end > len(input) {
				end = len(input)
			}
			for _, line := range f.Feed([]byte(input[off:end])) {
				got = append(got, string(line))
			}
		}
		if len(got) != 2 {
			t.Fatalf("chunk size %d: expected 2 lines got %v", size, got)
		}
	}
}

func TestFeedTrimsCRAndSkipsBlank(t *testing.T) {
	f := NewFramer()
	got := collect(f, "{\"id\":1}\r\n\n   \n{\"id\":2}\n")
	if len(got) != 2 {
		t.Fatalf("expected 2 lines got %v", got)
	}
	if got[0] != `{"id":1}` {
		t.Fatalf("CR not trimmed: %q", got[0])
	}
}

func TestFeedMultipleLinesPerChunk(t *testing.T) {
	f := NewFramer()
	got := collect(f, "a\nb\nc\n")
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("expected a,b,c got %v", got)
	}
}

func TestOversizedLineDroppedThenRecovers(t *testing.T) {
	f := &Framer{max: 16}
	if lines := f.Feed([]byte(strings.Repeat("x", 40))); len(lines) != 0 {
		t.Fatalf("expected no lines got %v", lines)
	}
	// Remainder of the oversized line plus its terminator must vanish.
	got := collect(f, strings.Repeat("y", 10)+"\n{\"id\":1}\n")
	if len(got) != 1 || got[0] != `{"id":1}` {
		t.Fatalf("expected recovery line got %v", got)
	}
}

func TestOversizedCompleteLineDropped(t *testing.T) {
	f := &Framer{max: 8}
	got := collect(f, strings.Repeat("z", 20)+"\nok\n")
	if len(got) != 1 || got[0] != "ok" {
		t.Fatalf("expected only ok got %v", got)
	}
}

func TestReadLoop(t *testing.T) {
	pr, pw := io.Pipe()
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- ReadLoop(context.Background(), pr, func(line []byte) {
			got = append(got, string(line))
		})
	}()
	if _, err := pw.Write([]byte("{\"id\":1}\n{\"id\"")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := pw.Write([]byte(":2}\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := pw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("ReadLoop: %v", err)
	}
	if len(got) != 2 || got[0] != `{"id":1}` || got[1] != `{"id":2}` {
		t.Fatalf("expected two lines got %v", got)
	}
}
