package transcript

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

// collector gathers fragments from a source.
type collector struct {
	mu    sync.Mutex
	items []string
}

func (c *collector) add(s string) {
	c.mu.Lock()
	c.items = append(c.items, s)
	c.mu.Unlock()
}

func (c *collector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.items...)
}

func (c *collector) waitLen(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.get(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d fragments, have %v", n, c.get())
	return nil
}

func TestOptionsTag(t *testing.T) {
	tests := []struct {
		lang    string
		want    string
		wantErr bool
	}{
		{"", "en-US", false},
		{"en-US", "en-US", false},
		{"zh-tw", "zh-TW", false},
		{"not a tag!", "", true},
	}
	for _, tt := range tests {
		tag, err := Options{Language: tt.lang}.Tag()
		if (err != nil) != tt.wantErr {
			t.Errorf("Tag(%q) error = %v", tt.lang, err)
			continue
		}
		if !tt.wantErr && tag.String() != tt.want {
			t.Errorf("Tag(%q) = %s, want %s", tt.lang, tag, tt.want)
		}
	}
}

func TestReaderContinuous(t *testing.T) {
	src := NewReader(strings.NewReader("hello\n\n  world  \nbye\n"))
	var c collector
	if err := src.Start(DefaultOptions(), c.add); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()

	got := c.waitLen(t, 3)
	want := []string{"hello", "world", "bye"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fragments: got %v, want %v", got, want)
		}
	}
}

func TestReaderSingleShot(t *testing.T) {
	src := NewReader(strings.NewReader("first\nsecond\n"))
	var c collector
	if err := src.Start(Options{Continuous: false, Language: "en"}, c.add); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.waitLen(t, 1)
	time.Sleep(50 * time.Millisecond)
	if got := c.get(); len(got) != 1 || got[0] != "first" {
		t.Fatalf("fragments: got %v", got)
	}
}

func TestReaderStopBeforeStart(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	src := NewReader(pr)
	src.Stop()
	var c collector
	if err := src.Start(DefaultOptions(), c.add); err != nil {
		t.Fatalf("Start: %v", err)
	}
	go pw.Write([]byte("late\n"))
	time.Sleep(50 * time.Millisecond)
	if got := c.get(); len(got) != 0 {
		t.Fatalf("fragments after Stop: %v", got)
	}
}

func TestReaderRejectsBadLanguage(t *testing.T) {
	src := NewReader(strings.NewReader(""))
	if err := src.Start(Options{Language: "not a tag!"}, func(string) {}); err == nil {
		t.Fatal("Start accepted an invalid language")
	}
}

func TestFileTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcript.txt")
	if err := os.WriteFile(path, []byte("old line\n"), 0644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	src := NewFile(path)
	var c collector
	if err := src.Start(DefaultOptions(), c.add); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Stop()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	defer f.Close()

	f.WriteString("hello\npart")
	got := c.waitLen(t, 1)
	f.WriteString("ial\n")
	got = c.waitLen(t, 2)

	want := []string{"hello", "partial"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fragments: got %v, want %v", got, want)
		}
	}
}

func TestFilePermissionDenied(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced here")
	}
	path := filepath.Join(t.TempDir(), "locked.txt")
	if err := os.WriteFile(path, nil, 0); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	err := NewFile(path).Start(DefaultOptions(), func(string) {})
	if !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("got %v, want permission error", err)
	}
}
