package call

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/1ureka/callscribe/internal/signaling"
	"github.com/1ureka/callscribe/internal/util"
	"github.com/pion/webrtc/v4"
)

// Events posted to a session's loop.
type (
	snapshotEvent         struct{ doc signaling.Document }
	subscriptionLostEvent struct{ err error }
	candidateEvent        struct{ c webrtc.ICECandidateInit }
	messageEvent          struct{ data []byte }
	fragmentEvent         struct{ text string }
	channelOpenEvent      struct{}
	transportClosedEvent  struct{}
	endEvent              struct{}
)

// stepResult is the outcome of a slow step run off the loop. A non-nil err
// is fatal. apply runs on the loop if the session is still live; otherwise
// release frees whatever the step acquired.
type stepResult struct {
	name    string
	err     error
	apply   func()
	release func()
}

// candidateWriter publishes local candidates to the session's list field in
// discovery order, one append at a time.
type candidateWriter struct {
	store signaling.Store
	id    string
	field string
	log   util.CallLogger

	mu     sync.Mutex
	queue  []webrtc.ICECandidateInit
	notify chan struct{}
}

func newCandidateWriter(store signaling.Store, id, field string, log util.CallLogger) *candidateWriter {
	return &candidateWriter{
		store:  store,
		id:     id,
		field:  field,
		log:    log,
		notify: make(chan struct{}, 1),
	}
}

func (w *candidateWriter) push(c webrtc.ICECandidateInit) {
	w.mu.Lock()
	w.queue = append(w.queue, c)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *candidateWriter) next() (webrtc.ICECandidateInit, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return webrtc.ICECandidateInit{}, false
	}
	c := w.queue[0]
	w.queue = w.queue[1:]
	return c, true
}

// run drains the queue until ctx is cancelled.
func (w *candidateWriter) run(ctx context.Context) {
	for {
		select {
		case <-w.notify:
		case <-ctx.Done():
			return
		}

		for {
			c, ok := w.next()
			if !ok {
				break
			}
			raw, err := json.Marshal(c)
			if err != nil {
				w.log.Warning("failed to encode candidate: %v", err)
				continue
			}
			if err := w.store.AppendField(ctx, w.id, w.field, raw); err != nil {
				if ctx.Err() != nil {
					return
				}
				w.log.Warning("failed to publish candidate: %v", err)
			}
		}
	}
}
