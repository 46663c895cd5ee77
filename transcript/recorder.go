package transcript

import (
	"context"
	"sync"

	"github.com/bt-bridge/voicechat"
	"github.com/bt-bridge/voicechat/shared"
)

const recorderQueue = 256

type record func(ctx context.Context, s *Store) error

// Recorder persists captions and session boundaries from a bus. Writes
// happen off the publishing goroutine; when the queue is full the record
// is dropped.
type Recorder struct {
	logger shared.LoggerAdapter
	store  *Store
	queue  chan record
	unsub  []func()
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewRecorder(logger shared.LoggerAdapter, store *Store, bus *voicechat.Bus) *Recorder {
	r := &Recorder{
		logger: logger,
		store:  store,
		queue:  make(chan record, recorderQueue),
	}
	r.unsub = []func(){
		voicechat.On(bus, func(e voicechat.SubtitleEvent) {
			entry := Entry{
				WebRTCID: e.WebRTCID,
				Kind:     string(e.Subtitle.Kind),
				Text:     e.Subtitle.Text,
				Offset:   e.Subtitle.Timestamp,
			}
			r.enqueue(func(ctx context.Context, s *Store) error { return s.Append(ctx, entry) })
		}),
		voicechat.On(bus, func(e voicechat.ConnectEvent) {
			r.enqueue(func(ctx context.Context, s *Store) error { return s.StartSession(ctx, e.WebRTCID) })
		}),
		voicechat.On(bus, func(e voicechat.DisconnectEvent) {
			r.enqueue(func(ctx context.Context, s *Store) error { return s.EndSession(ctx, e.WebRTCID) })
		}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) enqueue(rec record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("transcript queue full, dropping record")
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	ctx := context.Background()
	for rec := range r.queue {
		if err := rec(ctx, r.store); err != nil {
			r.logger.Error("writing transcript", err)
		}
	}
}

// Close stops listening and flushes queued records. The store stays open.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, u := range r.unsub {
		u()
	}
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
	r.logger.Debug("transcript recorder closed")
	return nil
}
