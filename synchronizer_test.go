package voicechat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/bt-bridge/voicechat/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSynchronizer(t *testing.T) (*SubtitleSynchronizer, *fakeClock, *recorder) {
	t.Helper()
	bus := NewBus()
	r := record(bus)
	base, _ := url.Parse("http://127.0.0.1:1")
	s := NewSubtitleSynchronizer(shared.NewNopLogger(), bus, base, nil)
	clock := newFakeClock()
	s.clock = clock
	s.origin = clock.Now()
	s.webrtcID = "id-1"
	t.Cleanup(s.Close)
	return s, clock, r
}

func ai(ts float64, text string) Subtitle {
	return Subtitle{Kind: SubtitleAIResponse, Timestamp: ts, Text: text}
}

func TestSynchronizerPacing(t *testing.T) {
	s, clock, r := newTestSynchronizer(t)

	s.handle(ai(0, "a"))
	s.handle(ai(1.0, "b"))
	s.handle(ai(2.5, "c"))
	assert.Equal(t, []Subtitle{ai(0, "a")}, r.subtitles())
	assert.Equal(t, 2, s.Pending())

	clock.Advance(999 * time.Millisecond)
	assert.Len(t, r.subtitles(), 1)
	clock.Advance(time.Millisecond)
	assert.Equal(t, []Subtitle{ai(0, "a"), ai(1.0, "b")}, r.subtitles())
	clock.Advance(1500 * time.Millisecond)
	assert.Equal(t, []Subtitle{ai(0, "a"), ai(1.0, "b"), ai(2.5, "c")}, r.subtitles())
	assert.Zero(t, s.Pending())

	for _, e := range r.named(EventSubtitle) {
		assert.Equal(t, "id-1", e.(SubtitleEvent).WebRTCID)
	}
}

func TestSynchronizerOrdersByTimestamp(t *testing.T) {
	s, clock, r := newTestSynchronizer(t)
	s.handle(ai(0, "start"))
	s.handle(ai(2, "late"))
	s.handle(ai(1, "early"))
	clock.Advance(3 * time.Second)
	assert.Equal(t, []Subtitle{ai(0, "start"), ai(1, "early"), ai(2, "late")}, r.subtitles())
}

func TestSynchronizerOverdueCaptionFiresAtOnce(t *testing.T) {
	s, clock, r := newTestSynchronizer(t)
	s.handle(ai(0, "start"))
	clock.Advance(3 * time.Second)
	s.handle(ai(1, "behind"))
	clock.Advance(0)
	assert.Equal(t, []Subtitle{ai(0, "start"), ai(1, "behind")}, r.subtitles())
}

func TestSynchronizerLiveInputResets(t *testing.T) {
	s, clock, r := newTestSynchronizer(t)
	s.handle(ai(0, "turn one"))
	s.handle(ai(2.0, "two"))
	s.handle(ai(4.0, "four"))
	require.Equal(t, 2, s.Pending())

	clock.Advance(time.Second)
	live := Subtitle{Kind: SubtitleLiveInput, Text: "user speaking"}
	s.handle(live)
	assert.Zero(t, s.Pending())

	clock.Advance(10 * time.Second)
	assert.Equal(t, []Subtitle{ai(0, "turn one"), live}, r.subtitles())
}

func TestSynchronizerNewTurnMovesOrigin(t *testing.T) {
	s, clock, r := newTestSynchronizer(t)
	s.handle(ai(0, "one"))
	s.handle(ai(5, "stale"))
	clock.Advance(2 * time.Second)

	s.handle(ai(0, "two"))
	s.handle(ai(1, "two-b"))
	clock.Advance(999 * time.Millisecond)
	assert.Equal(t, []Subtitle{ai(0, "one"), ai(0, "two")}, r.subtitles())
	clock.Advance(time.Millisecond)
	assert.Equal(t, []Subtitle{ai(0, "one"), ai(0, "two"), ai(1, "two-b")}, r.subtitles())
	clock.Advance(10 * time.Second)
	assert.Len(t, r.subtitles(), 3)
}

func TestSynchronizerCloseDropsPending(t *testing.T) {
	s, clock, r := newTestSynchronizer(t)
	s.handle(ai(0, "a"))
	s.handle(ai(3, "b"))
	s.Close()
	s.Close()
	assert.Zero(t, s.Pending())
	clock.Advance(5 * time.Second)
	s.handle(ai(0, "after close"))
	assert.Equal(t, []Subtitle{ai(0, "a")}, r.subtitles())

	select {
	case <-s.Done():
	default:
		t.Fatal("done not closed for a synchronizer that never started")
	}
	assert.Error(t, s.Start(context.Background(), "x"))
}

func TestSynchronizerStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "stream-id", r.URL.Query().Get("webrtc_id"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"type\":\"live-input\",\"text\":\"hi\"}\n\n")
		fmt.Fprint(w, "data: {broken\n\n")
		fmt.Fprint(w, "data: {\"type\":\"ai-response\",\"timestamp\":0,\"text\":\"hello\"}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()
	base, _ := url.Parse(srv.URL)
	bus := NewBus()
	r := record(bus)
	s := NewSubtitleSynchronizer(shared.NewNopLogger(), bus, base, srv.Client())
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), "stream-id"))
	assert.ErrorIs(t, s.Start(context.Background(), "stream-id"), shared.ErrSessionAlreadyRunning)
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not finish")
	}
	assert.Equal(t, []Subtitle{
		{Kind: SubtitleLiveInput, Text: "hi"},
		ai(0, "hello"),
	}, r.subtitles())
	assert.Zero(t, r.count(EventLog))
}

func TestSynchronizerStreamUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	base, _ := url.Parse(srv.URL)
	bus := NewBus()
	r := record(bus)
	s := NewSubtitleSynchronizer(shared.NewNopLogger(), bus, base, srv.Client())
	defer s.Close()

	require.NoError(t, s.Start(context.Background(), "id"))
	<-s.Done()
	assert.Equal(t, 1, r.count(EventLog))
	assert.Empty(t, r.subtitles())
}
