package transcript

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
)

// Reader emits one fragment per line read from r.
type Reader struct {
	r io.Reader

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	once    sync.Once
}

// NewReader creates a source reading from r (typically os.Stdin).
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, stop: make(chan struct{})}
}

// Start validates opts and begins reading on a background goroutine.
func (s *Reader) Start(opts Options, onFragment func(string)) error {
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
	case <-s.stop:
		return nil
	default:
	}

	go s.loop(opts, onFragment)
	return nil
}

func (s *Reader) loop(opts Options, onFragment func(string)) {
	scanner := bufio.NewScanner(s.r)
	for scanner.Scan() {
		select {
		case <-s.stop:
			return
		default:
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		onFragment(text)
		if !opts.Continuous {
			s.Stop()
			return
		}
	}
}

// Stop ends the capture. A read already blocked on r returns on its own
// schedule; its line is discarded.
func (s *Reader) Stop() {
	s.once.Do(func() {
		close(s.stop)
		if c, ok := s.r.(io.Closer); ok && !isStdStream(s.r) {
			c.Close()
		}
	})
}

// isStdStream reports whether r is one of the process standard streams,
// which Stop must leave open.
func isStdStream(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && (f == os.Stdin || f == os.Stdout || f == os.Stderr)
}
