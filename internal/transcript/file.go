package transcript

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/1ureka/callscribe/internal/util"
	"github.com/fsnotify/fsnotify"
)

// File tails a text file, emitting one fragment per complete line appended
// after Start. The file is created if missing.
type File struct {
	path string

	mu      sync.Mutex
	started bool
	f       *os.File
	watcher *fsnotify.Watcher
	partial []byte

	closed chan struct{}
	once   sync.Once
}

// NewFile creates a source tailing path.
func NewFile(path string) *File {
	return &File{path: path, closed: make(chan struct{})}
}

// Start opens the file, seeks to its end and watches it for appends.
// A permission error is returned as is so callers can report denied access.
func (s *File) Start(opts Options, onFragment func(string)) error {
	if _, err := opts.Tag(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("capture already started")
	}
	s.started = true

	select {
	case <-s.closed:
		return nil
	default:
	}

	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open transcript file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return fmt.Errorf("seek transcript file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		f.Close()
		return fmt.Errorf("watch transcript file: %w", err)
	}

	s.f = f
	s.watcher = watcher
	go s.watchLoop(opts, onFragment)
	return nil
}

func (s *File) watchLoop(opts Options, onFragment func(string)) {
	for {
		select {
		case <-s.closed:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write != 0 {
				for _, line := range s.readLines() {
					onFragment(line)
					if !opts.Continuous {
						s.Stop()
						return
					}
				}
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				util.LogWarning("transcript file %s was removed, capture stopped", s.path)
				s.Stop()
				return
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			util.LogWarning("transcript watcher error: %v", err)
		}
	}
}

// readLines reads everything appended since the last call and returns the
// complete, non-blank lines. A trailing partial line is kept for later.
func (s *File) readLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := io.ReadAll(s.f)
	if err != nil {
		return nil
	}
	data = append(s.partial, data...)

	cut := bytes.LastIndexByte(data, '\n')
	if cut < 0 {
		s.partial = data
		return nil
	}
	s.partial = append([]byte(nil), data[cut+1:]...)

	var lines []string
	for _, line := range strings.Split(string(data[:cut]), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// Stop ends the capture and releases the file and watcher.
func (s *File) Stop() {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.watcher != nil {
			s.watcher.Close()
		}
		if s.f != nil {
			s.f.Close()
		}
	})
}
