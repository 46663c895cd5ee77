package voicechat

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// recorder keeps every event published on a bus.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(bus *Bus) *recorder {
	r := &recorder{}
	bus.SubscribeAll(func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) named(name EventName) []Event {
	var out []Event
	for _, e := range r.all() {
		if e.Name() == name {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) count(name EventName) int {
	return len(r.named(name))
}

func (r *recorder) states() []ConnectionState {
	var out []ConnectionState
	for _, e := range r.named(EventConnectionStateChange) {
		s := e.(ConnectionStateChangeEvent).State
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) subtitles() []Subtitle {
	var out []Subtitle
	for _, e := range r.named(EventSubtitle) {
		out = append(out, e.(SubtitleEvent).Subtitle)
	}
	return out
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// fakeClock only moves when Advance is called. Due timers run on the
// caller's goroutine in deadline order.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) timerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	for _, t := range due {
		t.f()
	}
}

type fakeChannel struct {
	label string

	mu        sync.Mutex
	state     webrtc.DataChannelState
	onOpen    func()
	onClose   func()
	onError   func(error)
	onMessage func(webrtc.DataChannelMessage)
	sent      []string
	closed    bool
}

func newFakeChannel(label string) *fakeChannel {
	return &fakeChannel{label: label, state: webrtc.DataChannelStateConnecting}
}

func (c *fakeChannel) Label() string { return c.label }

func (c *fakeChannel) ReadyState() webrtc.DataChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) OnOpen(f func()) { c.mu.Lock(); c.onOpen = f; c.mu.Unlock() }

func (c *fakeChannel) OnClose(f func()) { c.mu.Lock(); c.onClose = f; c.mu.Unlock() }

func (c *fakeChannel) OnError(f func(error)) { c.mu.Lock(); c.onError = f; c.mu.Unlock() }

func (c *fakeChannel) OnMessage(f func(webrtc.DataChannelMessage)) {
	c.mu.Lock()
	c.onMessage = f
	c.mu.Unlock()
}

func (c *fakeChannel) SendText(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != webrtc.DataChannelStateOpen {
		return io.ErrClosedPipe
	}
	c.sent = append(c.sent, s)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.state = webrtc.DataChannelStateClosed
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) open() {
	c.mu.Lock()
	c.state = webrtc.DataChannelStateOpen
	f := c.onOpen
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

func (c *fakeChannel) receive(text string) {
	c.mu.Lock()
	f := c.onMessage
	c.mu.Unlock()
	if f != nil {
		f(webrtc.DataChannelMessage{IsString: true, Data: []byte(text)})
	}
}

func (c *fakeChannel) fireClose() {
	c.mu.Lock()
	f := c.onClose
	c.mu.Unlock()
	if f != nil {
		f()
	}
}

func (c *fakeChannel) sentMessages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakePeer struct {
	mu           sync.Mutex
	onState      func(webrtc.PeerConnectionState)
	onICE        func(webrtc.ICEConnectionState)
	onTrack      func(RemoteTrack)
	onDC         func(DataChannel)
	tracks       []webrtc.TrackLocal
	channels     []*fakeChannel
	local        *webrtc.SessionDescription
	remote       *webrtc.SessionDescription
	closed       bool
	onRemoteDesc func()
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onState = f
	p.mu.Unlock()
}

func (p *fakePeer) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	p.mu.Lock()
	p.onICE = f
	p.mu.Unlock()
}

func (p *fakePeer) OnTrack(f func(RemoteTrack)) { p.mu.Lock(); p.onTrack = f; p.mu.Unlock() }

func (p *fakePeer) OnDataChannel(f func(DataChannel)) { p.mu.Lock(); p.onDC = f; p.mu.Unlock() }

func (p *fakePeer) AddTrack(track webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, track)
	return nil
}

func (p *fakePeer) CreateDataChannel(label string) (DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dc := newFakeChannel(label)
	p.channels = append(p.channels, dc)
	return dc, nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	p.remote = &desc
	f := p.onRemoteDesc
	p.mu.Unlock()
	if f != nil {
		f()
	}
	return nil
}

func (p *fakePeer) GatheringComplete() <-chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webrtc.PeerConnectionStateClosed
	}
	return webrtc.PeerConnectionStateConnected
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) channel() *fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.channels) == 0 {
		return nil
	}
	return p.channels[0]
}

func (p *fakePeer) fireState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	if f != nil {
		f(s)
	}
}

func (p *fakePeer) fireICE(s webrtc.ICEConnectionState) {
	p.mu.Lock()
	f := p.onICE
	p.mu.Unlock()
	if f != nil {
		f(s)
	}
}

func (p *fakePeer) fireTrack(t RemoteTrack) {
	p.mu.Lock()
	f := p.onTrack
	p.mu.Unlock()
	if f != nil {
		f(t)
	}
}

type fakeRemoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
	done chan struct{}
	once sync.Once
}

func newFakeRemoteTrack(id string, kind webrtc.RTPCodecType) *fakeRemoteTrack {
	return &fakeRemoteTrack{id: id, kind: kind, done: make(chan struct{})}
}

func (t *fakeRemoteTrack) ID() string                { return t.id }
func (t *fakeRemoteTrack) StreamID() string          { return "remote-stream" }
func (t *fakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *fakeRemoteTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}}
}

func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-t.done
	return nil, nil, io.EOF
}

func (t *fakeRemoteTrack) end() { t.once.Do(func() { close(t.done) }) }

// fakeLocalTrack emits queued samples and PCM chunks, then blocks until
// closed.
type fakeLocalTrack struct {
	id      string
	samples chan media.Sample
	pcm     chan []float32
	done    chan struct{}
	once    sync.Once
	closed  atomic.Bool
}

func newFakeLocalTrack(id string) *fakeLocalTrack {
	return &fakeLocalTrack{
		id:      id,
		samples: make(chan media.Sample, 16),
		pcm:     make(chan []float32, 16),
		done:    make(chan struct{}),
	}
}

func (t *fakeLocalTrack) ID() string { return t.id }

func (t *fakeLocalTrack) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func (t *fakeLocalTrack) ReadSample() (media.Sample, error) {
	select {
	case s := <-t.samples:
		return s, nil
	case <-t.done:
		return media.Sample{}, io.EOF
	}
}

func (t *fakeLocalTrack) ReadPCM() ([]float32, error) {
	select {
	case p := <-t.pcm:
		return p, nil
	case <-t.done:
		return nil, io.EOF
	}
}

func (t *fakeLocalTrack) Close() error {
	t.once.Do(func() {
		t.closed.Store(true)
		close(t.done)
	})
	return nil
}

type fakeDevices struct {
	mu     sync.Mutex
	err    error
	tracks []*fakeLocalTrack
	calls  int
}

func (d *fakeDevices) GetUserMedia(ctx context.Context) (*LocalStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeLocalTrack("mic")
	d.tracks = append(d.tracks, t)
	return NewLocalStream("local", t), nil
}

func (d *fakeDevices) last() *fakeLocalTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tracks) == 0 {
		return nil
	}
	return d.tracks[len(d.tracks)-1]
}

type fakeRemoteStream struct {
	id     string
	taps   Taps
	closed atomic.Bool
}

func (s *fakeRemoteStream) ID() string { return s.id }

func (s *fakeRemoteStream) Tap(fn func([]float32)) func() { return s.taps.Add(fn) }

func (s *fakeRemoteStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakePlayer struct {
	mu      sync.Mutex
	streams []*fakeRemoteStream
}

func (p *fakePlayer) Play(ctx context.Context, track RemoteTrack) (RemoteStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeRemoteStream{id: track.ID()}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *fakePlayer) all() []*fakeRemoteStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fakeRemoteStream(nil), p.streams...)
}

// fakeServer implements the signaling endpoints and an idle text stream.
type fakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	hits     map[string]int
	bodies   map[string][]map[string]any
	metadata http.HandlerFunc
	offer    http.HandlerFunc
	stream   http.HandlerFunc
}

func newFakeServer(t *testing.T) *fakeServer {
	s := &fakeServer{
		hits:   make(map[string]int),
		bodies: make(map[string][]map[string]any),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(metadataPath, s.handle(metadataPath, func() http.HandlerFunc { return s.metadata }))
	mux.HandleFunc(offerPath, s.handle(offerPath, func() http.HandlerFunc { return s.offer }))
	mux.HandleFunc(inputHookPath, s.handle(inputHookPath, func() http.HandlerFunc { return nil }))
	mux.HandleFunc("/webrtc/text-stream", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits["/webrtc/text-stream"]++
		h := s.stream
		s.mu.Unlock()
		if h != nil {
			h(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *fakeServer) handle(path string, override func() http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if b, err := io.ReadAll(r.Body); err == nil && len(b) > 0 {
			_ = sonic.Unmarshal(b, &body)
		}
		s.mu.Lock()
		s.hits[path]++
		s.bodies[path] = append(s.bodies[path], body)
		h := override()
		s.mu.Unlock()
		if h != nil {
			h(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if path == offerPath {
			_, _ = w.Write([]byte(`{"sdp":"v=0 fake-answer","type":"answer"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

func (s *fakeServer) count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *fakeServer) body(path string, i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i >= len(s.bodies[path]) {
		return nil
	}
	return s.bodies[path][i]
}

func testConfig(url string) Config {
	return Config{
		ServerURL: url,
		Metadata: Metadata{
			UserID:    "user-1",
			SessionID: "session-1",
			SectionID: "section-1",
			PersonaID: "persona-1",
			IsDaily:   true,
		},
		OfferRetry: RetryConfig{Attempts: 3, Delay: 10 * time.Millisecond},
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")
