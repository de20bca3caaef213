package transport

import (
	"context"
	"time"

	"github.com/1ureka/callscribe/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing message channel capacity
	flushTimeout   = 500 * time.Millisecond
)

// outgoing is either a message or, when flushed is set, a marker closed
// once every message queued before it has been written.
type outgoing struct {
	data    []byte
	flushed chan struct{}
}

// channel is the part of *webrtc.DataChannel the sender writes through.
type channel interface {
	Send(data []byte) error
	BufferedAmount() uint64
	SetBufferedAmountLowThreshold(th uint64)
	OnBufferedAmountLow(f func())
}

// sender is a goroutine-based writer that serializes all writes to a single
// DataChannel, adding open-gate and backpressure control.
type sender struct {
	inbox       chan outgoing
	drainSignal chan struct{}
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled; a failed
// write calls fail so the owning transport shuts down.
func newSender(ctx context.Context, fail context.CancelFunc, dc channel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan outgoing, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, fail, dc, openSignal)

	return s
}

// loop is the single-writer goroutine. It waits for the DataChannel to open,
// then drains the inbox with backpressure awareness.
func (s *sender) loop(ctx context.Context, fail context.CancelFunc, dc channel, openSignal <-chan struct{}) {
	// Phase 1: wait for DC to be open.
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	// Phase 2: send messages with backpressure.
	for {
		select {
		case msg := <-s.inbox:
			if msg.flushed != nil {
				close(msg.flushed)
				continue
			}
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.Send(msg.data); err != nil {
				util.LogError("failed to send message (%d bytes): %v", len(msg.data), err)
				fail()
				return
			}

			util.Stats.AddSent(len(msg.data))
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a message. It blocks if the internal buffer is full and
// reports false when ctx is already cancelled.
func (s *sender) send(ctx context.Context, data []byte) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.inbox <- outgoing{data: data}:
		return true
	case <-ctx.Done():
		return false
	}
}

// flush waits until everything queued so far is written, ctx ends or
// flushTimeout elapses.
func (s *sender) flush(ctx context.Context) {
	marker := outgoing{flushed: make(chan struct{})}
	timer := time.NewTimer(flushTimeout)
	defer timer.Stop()

	select {
	case s.inbox <- marker:
	case <-ctx.Done():
		return
	case <-timer.C:
		return
	}

	select {
	case <-marker.flushed:
	case <-ctx.Done():
	case <-timer.C:
	}
}
