package agents

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/voicechat"
	"github.com/bt-bridge/voicechat/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufferHook struct {
	mu sync.Mutex
	b  strings.Builder
}

func (h *bufferHook) WriteString(s string) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.b.WriteString(s)
}

func (h *bufferHook) Close() error { return nil }

func (h *bufferHook) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.b.String()
}

type deniedDevices struct{}

func (deniedDevices) GetUserMedia(context.Context) (*voicechat.LocalStream, error) {
	return nil, errors.New("permission denied")
}

func newAgent(t *testing.T, opts ...voicechat.Option) (*CLIAgent, *bufferHook) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/webrtc/metadata", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	hook := &bufferHook{}
	printer, err := shared.NewPrinter("  ", hook)
	require.NoError(t, err)
	cfg := voicechat.Config{
		ServerURL: srv.URL,
		Metadata:  voicechat.Metadata{UserID: "user-1", SessionID: "session-1", SectionID: "section-1"},
	}
	opts = append([]voicechat.Option{voicechat.WithMediaDevices(deniedDevices{})}, opts...)
	a, err := NewCLIAgent(shared.NewNopLogger(), cfg, printer, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, hook
}

func TestNewCLIAgentValidation(t *testing.T) {
	hook := &bufferHook{}
	printer, err := shared.NewPrinter("  ", hook)
	require.NoError(t, err)

	_, err = NewCLIAgent(nil, voicechat.Config{}, printer)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewCLIAgent(shared.NewNopLogger(), voicechat.Config{}, nil)
	assert.Error(t, err)
	_, err = NewCLIAgent(shared.NewNopLogger(), voicechat.Config{}, printer)
	assert.ErrorIs(t, err, shared.ErrNoServerURL)
}

func TestSpawnMicrophoneDenied(t *testing.T) {
	a, out := newAgent(t)
	done, err := a.Spawn(context.Background())
	require.Error(t, err)
	assert.Nil(t, done)

	var media *shared.MediaAccessError
	assert.ErrorAs(t, err, &media)
	text := out.String()
	assert.Contains(t, text, "📋 Session Config")
	assert.Contains(t, text, "user_id: user-1")
	assert.Contains(t, text, "Unable to access microphone")
	assert.Equal(t, voicechat.StateFailed, a.Client().State())
}

func TestHandleCommand(t *testing.T) {
	a, out := newAgent(t)
	ctx := context.Background()

	cases := []struct {
		line string
		quit bool
		want string
	}{
		{"", false, ""},
		{"/send", false, "usage: /send <text>"},
		{"/send hi", false, shared.ErrChannelNotReady.Error()},
		{"/input", false, "usage: /input <text>"},
		{"/input hello there", false, shared.ErrClientNotInitialized.Error()},
		{"/mute", false, "Microphone muted"},
		{"/unmute", false, "Microphone live"},
		{"/level", false, "🎤 ··········  🔈 ··········"},
		{"/help", false, "/send <text>"},
		{"/dance", false, "unknown command /dance"},
		{"/quit", true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			assert.Equal(t, tc.quit, a.HandleCommand(ctx, tc.line))
			if tc.want != "" {
				assert.Contains(t, out.String(), tc.want)
			}
		})
	}
}

func TestSubtitlesArePrinted(t *testing.T) {
	bus := voicechat.NewBus()
	_, out := newAgent(t, voicechat.WithBus(bus))

	bus.Publish(voicechat.SubtitleEvent{Subtitle: voicechat.Subtitle{Kind: voicechat.SubtitleLiveInput, Text: "hel"}})
	bus.Publish(voicechat.SubtitleEvent{Subtitle: voicechat.Subtitle{Kind: voicechat.SubtitleLiveInput, Text: "hello"}})
	bus.Publish(voicechat.SubtitleEvent{Subtitle: voicechat.Subtitle{Kind: voicechat.SubtitleAIResponse, Timestamp: 0.5, Text: "hi there"}})

	text := out.String()
	assert.Contains(t, text, "\r\033[2K  🗣  hel")
	assert.Contains(t, text, "\r\033[2K  🗣  hello\n  🤖 hi there\n")
}

func TestConnectionLostEndsSession(t *testing.T) {
	bus := voicechat.NewBus()
	a, out := newAgent(t, voicechat.WithBus(bus))

	bus.Publish(voicechat.ConnectionStateChangeEvent{State: voicechat.StateConnecting})
	select {
	case <-a.Done():
		t.Fatal("done closed too early")
	default:
	}
	bus.Publish(voicechat.ConnectionStateChangeEvent{State: voicechat.StateFailed})
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed")
	}
	assert.Contains(t, out.String(), "Connection lost")
}

func TestRunUntilQuit(t *testing.T) {
	a, out := newAgent(t)
	err := a.Run(context.Background(), strings.NewReader("/level\n/quit\n/mute\n"))
	require.NoError(t, err)

	select {
	case <-a.Done():
	default:
		t.Fatal("done not closed after /quit")
	}
	assert.Contains(t, out.String(), "🎤")
	assert.NotContains(t, out.String(), "Microphone muted")
}

func TestRunStopsAtEOF(t *testing.T) {
	a, _ := newAgent(t)
	assert.NoError(t, a.Run(context.Background(), strings.NewReader("/help\n")))
}
