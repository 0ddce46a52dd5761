package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	s := NewSink(filepath.Join(t.TempDir(), "logs", "vpn.log"))
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s
}

func TestTail_NoFile(t *testing.T) {
	s := newTestSink(t)

	got, err := s.Tail(0)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if got != NoLogsMessage {
		t.Errorf("expected %q, got %q", NoLogsMessage, got)
	}
	if _, err := os.Stat(filepath.Dir(s.Path())); !os.IsNotExist(err) {
		t.Error("expected reading logs not to create the log directory")
	}
}

func TestAppend_CreatesDirectoryLazily(t *testing.T) {
	s := newTestSink(t)

	if err := s.Append("hello"); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := s.Tail(0)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if got != "[2026-01-02 03:04:05] hello\n" {
		t.Errorf("unexpected log content %q", got)
	}
}

func TestAppend_SplitsMultilineInput(t *testing.T) {
	s := newTestSink(t)

	if err := s.Append("first\nsecond\n"); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Tail(0)
	want := "[2026-01-02 03:04:05] first\n[2026-01-02 03:04:05] second\n"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestTail_MaxBytesStartsOnLineBoundary(t *testing.T) {
	s := newTestSink(t)
	for i := 0; i < 10; i++ {
		s.Appendf("line %d", i)
	}

	got, err := s.Tail(60)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "[") {
		t.Errorf("expected tail to start on a full line, got %q", got)
	}
	if !strings.HasSuffix(got, "line 9\n") {
		t.Errorf("expected tail to end with newest line, got %q", got)
	}
	if strings.Contains(got, "line 0") {
		t.Errorf("expected oldest lines to be cut, got %q", got)
	}
}

func TestClear(t *testing.T) {
	s := newTestSink(t)

	// Clearing before anything was written is fine
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear on missing file failed: %v", err)
	}

	s.Append("something")
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	got, _ := s.Tail(0)
	if got != "" {
		t.Errorf("expected empty log after clear, got %q", got)
	}

	s.Append("after")
	got, _ = s.Tail(0)
	if got != "[2026-01-02 03:04:05] after\n" {
		t.Errorf("expected append to keep working after clear, got %q", got)
	}
}

func TestAppend_ConcurrentWritersDoNotInterleave(t *testing.T) {
	s := newTestSink(t)

	const writers = 8
	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				s.Append(fmt.Sprintf("writer-%d-%s", w, strings.Repeat("x", 200)))
			}
		}(w)
	}
	wg.Wait()

	got, _ := s.Tail(0)
	lines := strings.Split(strings.TrimSuffix(got, "\n"), "\n")
	if len(lines) != writers*perWriter {
		t.Fatalf("expected %d lines, got %d", writers*perWriter, len(lines))
	}
	for _, line := range lines {
		if !strings.HasPrefix(line, "[2026-01-02 03:04:05] writer-") || !strings.HasSuffix(line, strings.Repeat("x", 200)) {
			t.Fatalf("found interleaved line: %q", line)
		}
	}
}

func TestSubscribe(t *testing.T) {
	s := newTestSink(t)

	ch := s.Subscribe()
	s.Append("live")

	select {
	case got := <-ch:
		if got != "[2026-01-02 03:04:05] live\n" {
			t.Errorf("unexpected broadcast %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to receive line")
	}

	s.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	// Double unsubscribe must not panic
	s.Unsubscribe(ch)
}

func TestWriter_BuffersPartialLines(t *testing.T) {
	s := newTestSink(t)
	w := s.Writer("[stderr] ")

	fmt.Fprint(w, "partial")
	if got, _ := s.Tail(0); got != NoLogsMessage {
		t.Errorf("expected nothing written before newline, got %q", got)
	}

	fmt.Fprint(w, " line\nnext\n")
	got, _ := s.Tail(0)
	want := "[2026-01-02 03:04:05] [stderr] partial line\n[2026-01-02 03:04:05] [stderr] next\n"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestWriter_FlushKeepsTrailingLine(t *testing.T) {
	s := newTestSink(t)
	w := s.Writer("[stdout] ")

	fmt.Fprint(w, "done\nno newline")
	w.(interface{ Flush() error }).Flush()
	// Nothing left to flush the second time
	w.(interface{ Flush() error }).Flush()

	got, _ := s.Tail(0)
	want := "[2026-01-02 03:04:05] [stdout] done\n[2026-01-02 03:04:05] [stdout] no newline\n"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestBanner(t *testing.T) {
	s := newTestSink(t)
	s.Banner("Connection Attempt: now")

	got, _ := s.Tail(0)
	if got != "\n--- Connection Attempt: now ---\n" {
		t.Errorf("unexpected banner %q", got)
	}
}
