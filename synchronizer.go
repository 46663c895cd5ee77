package voicechat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/bt-bridge/voicechat/shared"
	"go.uber.org/zap"
)

type timerHandle interface {
	Stop() bool
}

type clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) timerHandle
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) AfterFunc(d time.Duration, f func()) timerHandle {
	return time.AfterFunc(d, f)
}

type scheduledSubtitle struct {
	id    uint64
	sub   Subtitle
	delay time.Duration
	timer timerHandle
}

// SubtitleSynchronizer paces captions from the text stream against the
// audio timeline. A caption that starts a turn is shown at once and drops
// whatever the previous turn still had queued; later captions of the turn
// are held until origin + timestamp.
type SubtitleSynchronizer struct {
	logger shared.LoggerAdapter
	bus    *Bus
	base   *url.URL
	http   *http.Client
	clock  clock
	ins    *instruments

	mu       sync.Mutex
	webrtcID string
	origin   time.Time
	queue    []*scheduledSubtitle
	nextID   uint64
	started  bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewSubtitleSynchronizer(logger shared.LoggerAdapter, bus *Bus, base *url.URL, httpClient *http.Client) *SubtitleSynchronizer {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	done := make(chan struct{})
	return &SubtitleSynchronizer{
		logger: logger,
		bus:    bus,
		base:   base,
		http:   httpClient,
		clock:  wallClock{},
		ins:    newInstruments(),
		done:   done,
	}
}

// Start opens the text stream for webrtcID and returns immediately; the
// receive loop runs until the stream ends, ctx is cancelled or Close is
// called.
func (s *SubtitleSynchronizer) Start(ctx context.Context, webrtcID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("subtitle synchronizer closed")
	}
	if s.started {
		return shared.ErrSessionAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.webrtcID = webrtcID
	s.origin = s.clock.Now()
	go s.run(ctx)
	return nil
}

// Done is closed when the receive loop has exited.
func (s *SubtitleSynchronizer) Done() <-chan struct{} {
	return s.done
}

func (s *SubtitleSynchronizer) run(ctx context.Context) {
	defer close(s.done)
	logger := s.logger.With(zap.String("webrtc_id", s.webrtcID))

	stream, err := openTextStream(ctx, s.http, s.base, s.webrtcID)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("subtitle stream unavailable", err)
			s.bus.Publish(LogEvent{Message: "subtitle stream unavailable: " + err.Error()})
		}
		return
	}
	defer stream.Close()
	logger.Debug("subtitle stream opened")

	for {
		data, err := stream.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Debug("subtitle stream ended")
			case ctx.Err() != nil:
			default:
				logger.Error("reading subtitle stream", err)
				s.bus.Publish(LogEvent{Message: "subtitle stream interrupted: " + err.Error()})
			}
			return
		}
		sub, err := ParseSubtitle(data)
		if err != nil {
			logger.Trace("dropping subtitle payload", zap.Error(err), zap.ByteString("data", data))
			s.ins.dropped("malformed", 1)
			continue
		}
		s.handle(sub)
	}
}

func (s *SubtitleSynchronizer) handle(sub Subtitle) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	if sub.StartsTurn() {
		superseded := s.resetLocked(now)
		id := s.webrtcID
		s.mu.Unlock()
		s.ins.dropped("superseded", superseded)
		s.emit(id, sub)
		return
	}

	delay := time.Duration(sub.Timestamp*float64(time.Second)) - now.Sub(s.origin)
	if delay < 0 {
		delay = 0
	}
	s.nextID++
	entry := &scheduledSubtitle{id: s.nextID, sub: sub, delay: delay}
	entry.timer = s.clock.AfterFunc(delay, func() { s.fire(entry) })
	s.queue = append(s.queue, entry)
	s.mu.Unlock()
}

func (s *SubtitleSynchronizer) fire(entry *scheduledSubtitle) {
	s.mu.Lock()
	i := slices.Index(s.queue, entry)
	if s.closed || i < 0 {
		s.mu.Unlock()
		return
	}
	s.queue = slices.Delete(s.queue, i, i+1)
	id := s.webrtcID
	s.mu.Unlock()
	s.emit(id, entry.sub)
}

func (s *SubtitleSynchronizer) emit(webrtcID string, sub Subtitle) {
	s.ins.emitted(sub.Kind)
	s.bus.Publish(SubtitleEvent{WebRTCID: webrtcID, Subtitle: sub})
}

// resetLocked cancels the queue and moves the time origin to now. It
// returns how many captions were abandoned.
func (s *SubtitleSynchronizer) resetLocked(now time.Time) int {
	n := len(s.queue)
	for _, e := range s.queue {
		e.timer.Stop()
	}
	s.queue = nil
	s.origin = now
	return n
}

// Pending reports how many captions are waiting for their time.
func (s *SubtitleSynchronizer) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Close cancels the stream and every pending caption. It does not wait for
// the receive loop; use Done for that.
func (s *SubtitleSynchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.resetLocked(s.clock.Now())
	if s.cancel != nil {
		s.cancel()
	}
	if !s.started {
		s.started = true
		close(s.done)
	}
}
