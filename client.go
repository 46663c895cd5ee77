package voicechat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/voicechat/shared"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

var errDisconnected = errors.New("client disconnected")

// DataMessage is the data channel wire format. Outbound messages are
// stamped with the session's webrtc_id.
type DataMessage struct {
	Type     string `json:"type"`
	Data     any    `json:"data,omitempty"`
	WebRTCID string `json:"webrtc_id,omitempty"`
}

type Option func(*Client)

func WithBus(bus *Bus) Option {
	return func(c *Client) { c.bus = bus }
}

func WithMediaDevices(devices MediaDevices) Option {
	return func(c *Client) { c.devices = devices }
}

func WithRemotePlayer(player RemotePlayer) Option {
	return func(c *Client) { c.player = player }
}

func WithPeerFactory(factory PeerFactory) Option {
	return func(c *Client) { c.newPeer = factory }
}

func WithMounts(mounts MountResolver) Option {
	return func(c *Client) { c.mounts = mounts }
}

// WithHTTPClient sets the client used for the subtitle stream.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.http = client }
}

func WithVisualizerOptions(input, output VisualizerOptions) Option {
	return func(c *Client) {
		c.inputOpts = input
		c.outputOpts = output
	}
}

// Client manages one voice session at a time: the peer connection, its
// data channel, the microphone, remote playback, both visualizers and the
// subtitle stream. It never reconnects on its own.
type Client struct {
	logger    shared.LoggerAdapter
	cfg       Config
	base      *url.URL
	bus       *Bus
	signaling *Signaling
	ins       *instruments

	devices    MediaDevices
	player     RemotePlayer
	newPeer    PeerFactory
	mounts     MountResolver
	http       *http.Client
	inputOpts  VisualizerOptions
	outputOpts VisualizerOptions

	// connected gates late callbacks. It is cleared before any handler is
	// detached.
	connected atomic.Bool

	mu        sync.Mutex
	state     ConnectionState
	webrtcID  string
	pc        PeerConnection
	dc        DataChannel
	stream    *LocalStream
	remotes   []RemoteStream
	inputViz  *Visualizer
	outputViz *Visualizer
	subtitles *SubtitleSynchronizer
	cancel    context.CancelCauseFunc
}

func NewClient(logger shared.LoggerAdapter, cfg Config, opts ...Option) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server URL: %w", err)
	}
	c := &Client{
		logger:  logger,
		cfg:     cfg,
		base:    base,
		newPeer: NewPionPeer,
		http:    http.DefaultClient,
		ins:     newInstruments(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.devices == nil {
		return nil, shared.ErrNoMediaDevices
	}
	if c.bus == nil {
		c.bus = NewBus()
	}
	c.signaling = NewSignaling(logger, base, cfg)
	return c, nil
}

func (c *Client) Bus() *Bus {
	return c.bus
}

func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WebRTCID is the identity of the current or last attempt.
func (c *Client) WebRTCID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.webrtcID
}

// Connect negotiates a new session. It may be called again only after
// Disconnect. Any error leaves the client in StateFailed with every
// resource released.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return shared.ErrSessionAlreadyRunning
	}
	sessCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.webrtcID = ""
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.publishState(0)

	connectCtx, stopConnect := context.WithCancel(ctx)
	defer stopConnect()
	stopAfter := context.AfterFunc(sessCtx, stopConnect)
	defer stopAfter()
	started := time.Now()

	if err := c.signaling.PostMetadata(connectCtx, c.cfg.Metadata); err != nil {
		return c.abort(sessCtx, "failed to send session metadata", err)
	}

	id := uuid.NewString()
	logger := c.logger.With(zap.String("webrtc_id", id))
	if !c.own(sessCtx, func() { c.webrtcID = id }, nil) {
		return c.aborted(sessCtx)
	}
	logger.Info("connecting", zap.String("server", c.base.String()))

	// Captions can arrive before the handshake settles.
	subs := NewSubtitleSynchronizer(logger, c.bus, c.base, c.http)
	if !c.own(sessCtx, func() { c.subtitles = subs }, subs.Close) {
		return c.aborted(sessCtx)
	}
	if err := subs.Start(sessCtx, id); err != nil {
		return c.abort(sessCtx, "failed to start subtitle stream", err)
	}

	if c.cfg.Visualizer.Output != "" {
		viz, err := NewOutputVisualizer(logger, c.mounts, c.cfg.Visualizer.Output, c.outputOpts)
		if err != nil {
			return c.abort(sessCtx, "failed to create output visualizer", err)
		}
		if !c.own(sessCtx, func() { c.outputViz = viz }, viz.Destroy) {
			return c.aborted(sessCtx)
		}
	}

	pc, err := c.newPeer(c.cfg.webrtcConfiguration())
	if err != nil {
		return c.abort(sessCtx, "failed to create peer connection", &shared.TransportError{Op: "create peer connection", Err: err})
	}
	// Observers go on before tracks or channels exist.
	c.observe(sessCtx, logger, pc)
	if !c.own(sessCtx, func() { c.pc = pc }, func() { detach(pc); _ = pc.Close() }) {
		return c.aborted(sessCtx)
	}

	stream, err := c.devices.GetUserMedia(connectCtx)
	if err == nil && stream.Len() == 0 {
		err = shared.ErrNoAudioTrack
	}
	if err != nil {
		if stream != nil {
			_ = stream.Stop()
		}
		return c.abort(sessCtx, "microphone unavailable", &shared.MediaAccessError{Err: err})
	}
	if !c.own(sessCtx, func() { c.stream = stream }, func() { _ = stream.Stop() }) {
		return c.aborted(sessCtx)
	}
	for _, t := range stream.tracks {
		out, err := webrtc.NewTrackLocalStaticSample(t.src.Codec(), "audio", id)
		if err != nil {
			return c.abort(sessCtx, "failed to create local audio track", &shared.TransportError{Op: "create local track", Err: err})
		}
		if err := pc.AddTrack(out); err != nil {
			return c.abort(sessCtx, "failed to add audio track", &shared.TransportError{Op: "add track", Err: err})
		}
		go stream.pump(sessCtx, logger, t, out)
	}
	if c.cfg.Visualizer.Input != "" {
		viz, err := NewInputVisualizer(logger, c.mounts, c.cfg.Visualizer.Input, c.inputOpts)
		if err != nil {
			return c.abort(sessCtx, "failed to create input visualizer", err)
		}
		if !c.own(sessCtx, func() { c.inputViz = viz }, viz.Destroy) {
			return c.aborted(sessCtx)
		}
		if err := viz.ConnectStream(stream); err != nil {
			return c.abort(sessCtx, "failed to connect input visualizer", err)
		}
		viz.Start()
	}

	dc, err := pc.CreateDataChannel(c.cfg.DataChannelLabel)
	if err != nil {
		return c.abort(sessCtx, "failed to create data channel", &shared.TransportError{Op: "create data channel", Err: err})
	}
	c.wireChannel(sessCtx, logger, dc)
	if !c.own(sessCtx, func() { c.dc = dc }, func() { _ = dc.Close() }) {
		return c.aborted(sessCtx)
	}

	offer, err := pc.CreateOffer()
	if err != nil {
		return c.abort(sessCtx, "failed to create offer", &shared.TransportError{Op: "create offer", Err: err})
	}
	gathered := pc.GatheringComplete()
	if err := pc.SetLocalDescription(offer); err != nil {
		return c.abort(sessCtx, "failed to set local description", &shared.TransportError{Op: "set local description", Err: err})
	}
	select {
	case <-gathered:
	case <-connectCtx.Done():
		return c.abort(sessCtx, "connect cancelled", connectCtx.Err())
	}
	if local := pc.LocalDescription(); local != nil {
		offer = *local
	}

	answer, err := c.signaling.Negotiate(connectCtx, offer, id)
	if err != nil {
		return c.abort(sessCtx, "failed to negotiate session", err)
	}

	// The flag flips before the answer is applied; tracks can be signalled
	// as soon as it is.
	c.mu.Lock()
	if sessCtx.Err() != nil {
		c.mu.Unlock()
		return c.aborted(sessCtx)
	}
	c.connected.Store(true)
	c.setStateLocked(StateConnected)
	c.mu.Unlock()
	c.publishState(0)

	if err := pc.SetRemoteDescription(answer); err != nil {
		return c.abort(sessCtx, "failed to set remote description", &shared.TransportError{Op: "set remote description", Err: err})
	}
	elapsed := time.Since(started)
	c.ins.connected(ctx, float64(elapsed.Milliseconds()))
	logger.Info("connected", zap.Duration("elapsed", elapsed))
	c.bus.Publish(ConnectEvent{WebRTCID: id})
	c.log("connected")
	return nil
}

// Disconnect releases everything the session holds. It is idempotent and
// always succeeds.
func (c *Client) Disconnect() error {
	c.teardown()
	c.mu.Lock()
	id := c.webrtcID
	changed := c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
	if changed {
		c.publishState(0)
		c.bus.Publish(DisconnectEvent{WebRTCID: id})
		c.log("disconnected")
	}
	return nil
}

func (c *Client) teardown() {
	c.connected.Store(false)
	c.mu.Lock()
	pc, dc, stream := c.pc, c.dc, c.stream
	remotes := c.remotes
	in, out, subs := c.inputViz, c.outputViz, c.subtitles
	cancel := c.cancel
	c.pc, c.dc, c.stream, c.remotes = nil, nil, nil, nil
	c.inputViz, c.outputViz, c.subtitles, c.cancel = nil, nil, nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel(errDisconnected)
	}
	if pc != nil {
		detach(pc)
		if err := pc.Close(); err != nil {
			c.logger.Error("closing peer connection failed", err)
		}
	}
	if dc != nil {
		detachChannel(dc)
		if err := dc.Close(); err != nil {
			c.logger.Debug("closing data channel", zap.Error(err))
		}
	}
	if stream != nil {
		if err := stream.Stop(); err != nil {
			c.logger.Error("stopping local tracks failed", err)
		}
	}
	for _, r := range remotes {
		if err := r.Close(); err != nil {
			c.logger.Debug("closing remote stream", zap.Error(err))
		}
	}
	if in != nil {
		in.Stop()
		in.Destroy()
	}
	if out != nil {
		out.Stop()
		out.Destroy()
	}
	if subs != nil {
		subs.Close()
	}
}

// fail moves a negotiated session to StateFailed. Resources stay until
// Disconnect.
func (c *Client) fail(msg string, err error) {
	if !c.connected.CompareAndSwap(true, false) {
		return
	}
	c.mu.Lock()
	changed := c.setStateLocked(StateFailed)
	c.mu.Unlock()
	if changed {
		c.publishState(0)
	}
	c.emitError(msg, err)
}

func (c *Client) abort(sessCtx context.Context, msg string, err error) error {
	if sessCtx.Err() != nil {
		return c.aborted(sessCtx)
	}
	c.emitError(msg, err)
	c.teardown()
	c.mu.Lock()
	changed := c.setStateLocked(StateFailed)
	c.mu.Unlock()
	if changed {
		c.publishState(0)
	}
	return err
}

func (c *Client) aborted(sessCtx context.Context) error {
	return fmt.Errorf("connect aborted: %w", context.Cause(sessCtx))
}

// own stores a resource on the client unless the attempt was torn down in
// the meantime, in which case release runs instead.
func (c *Client) own(sessCtx context.Context, store func(), release func()) bool {
	c.mu.Lock()
	if sessCtx.Err() == nil {
		store()
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()
	if release != nil {
		release()
	}
	return false
}

func (c *Client) setStateLocked(to ConnectionState) bool {
	if c.state == to {
		return false
	}
	if !c.state.canTransition(to) {
		c.logger.Warn("ignoring illegal state transition",
			zap.String("from", c.state.String()),
			zap.String("to", to.String()),
		)
		return false
	}
	c.logger.Trace("state changed", zap.String("from", c.state.String()), zap.String("to", to.String()))
	c.state = to
	return true
}

func (c *Client) publishState(peer webrtc.PeerConnectionState) {
	c.bus.Publish(ConnectionStateChangeEvent{State: c.State(), PeerState: peer})
}

func (c *Client) observe(sessCtx context.Context, logger shared.LoggerAdapter, pc PeerConnection) {
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if sessCtx.Err() != nil {
			return
		}
		logger.Trace("peer connection state changed", zap.String("state", state.String()))
		c.publishState(state)
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			c.fail("connection lost", &shared.TransportError{
				Op:  "peer connection",
				Err: fmt.Errorf("state %s", state),
			})
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if sessCtx.Err() != nil {
			return
		}
		logger.Trace("ice connection state changed", zap.String("state", state.String()))
		c.bus.Publish(ICEConnectionStateChangeEvent{State: state})
		switch state {
		case webrtc.ICEConnectionStateFailed,
			webrtc.ICEConnectionStateDisconnected,
			webrtc.ICEConnectionStateClosed:
			c.fail("ice connection lost", &shared.TransportError{
				Op:  "ice",
				Err: fmt.Errorf("state %s", state),
			})
		}
	})
	pc.OnTrack(func(track RemoteTrack) {
		if sessCtx.Err() != nil || !c.connected.Load() {
			logger.Debug("discarding remote track")
			return
		}
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.acceptTrack(sessCtx, logger, track)
	})
	pc.OnDataChannel(func(dc DataChannel) {
		if sessCtx.Err() != nil {
			return
		}
		logger.Debug("remote data channel", zap.String("label", dc.Label()))
		c.wireChannel(sessCtx, logger, dc)
	})
}

func (c *Client) acceptTrack(sessCtx context.Context, logger shared.LoggerAdapter, track RemoteTrack) {
	logger.Info("received remote track",
		zap.String("track", track.ID()),
		zap.String("codec", track.Codec().MimeType),
	)
	if c.player == nil {
		go drain(track)
	} else {
		stream, err := c.player.Play(sessCtx, track)
		if err != nil {
			c.emitError("failed to play remote audio", err)
			return
		}
		var viz *Visualizer
		if !c.own(sessCtx, func() {
			c.remotes = append(c.remotes, stream)
			viz = c.outputViz
		}, func() { _ = stream.Close() }) {
			return
		}
		if viz != nil {
			if err := viz.ConnectStream(stream); err != nil {
				logger.Error("connecting output visualizer", err)
			} else {
				viz.Start()
			}
		}
	}
	if !c.connected.Load() {
		return
	}
	c.bus.Publish(TrackEvent{TrackID: track.ID(), StreamID: track.StreamID(), Kind: track.Kind()})
}

func drain(track RemoteTrack) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func (c *Client) wireChannel(sessCtx context.Context, logger shared.LoggerAdapter, dc DataChannel) {
	label := dc.Label()
	dc.OnOpen(func() {
		if sessCtx.Err() != nil {
			return
		}
		logger.Info("data channel opened", zap.String("label", label))
		c.bus.Publish(DataChannelOpenEvent{Label: label})
	})
	dc.OnClose(func() {
		if sessCtx.Err() != nil {
			return
		}
		logger.Info("data channel closed", zap.String("label", label))
		c.bus.Publish(DataChannelCloseEvent{Label: label})
	})
	dc.OnError(func(err error) {
		if sessCtx.Err() != nil {
			return
		}
		c.emitError("data channel error", err)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if sessCtx.Err() != nil {
			return
		}
		if !msg.IsString {
			logger.Warn("received non-string message on data channel")
			return
		}
		var m DataMessage
		if err := sonic.Unmarshal(msg.Data, &m); err != nil || m.Type == "" {
			logger.Warn("can not decode data channel message", zap.ByteString("data", msg.Data))
			c.log("ignored undecodable data channel message")
			return
		}
		c.bus.Publish(MessageEvent{Message: m})
	})
}

// detach installs no-op callbacks so nothing reaches the client after
// teardown.
func detach(pc PeerConnection) {
	pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	pc.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) {})
	pc.OnTrack(func(RemoteTrack) {})
	pc.OnDataChannel(func(DataChannel) {})
}

func detachChannel(dc DataChannel) {
	dc.OnOpen(func() {})
	dc.OnClose(func() {})
	dc.OnError(func(error) {})
	dc.OnMessage(func(webrtc.DataChannelMessage) {})
}

// Send writes msg to the data channel.
func (c *Client) Send(msg DataMessage) error {
	c.mu.Lock()
	dc, id := c.dc, c.webrtcID
	c.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return shared.ErrChannelNotReady
	}
	msg.WebRTCID = id
	b, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	if err := dc.SendText(string(b)); err != nil {
		if errors.Is(err, io.ErrClosedPipe) {
			return shared.ErrChannelNotReady
		}
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// PostInput posts fields to the input hook and waits for the reply.
func (c *Client) PostInput(ctx context.Context, fields map[string]any) error {
	id := c.WebRTCID()
	if id == "" {
		return shared.ErrClientNotInitialized
	}
	return c.signaling.PostInput(ctx, id, fields)
}

// SendInput is the fire-and-forget form of PostInput. Failures are
// reported as error events.
func (c *Client) SendInput(fields map[string]any) {
	go func() {
		if err := c.PostInput(context.Background(), fields); err != nil {
			c.emitError("failed to send input", err)
		}
	}()
}

func (c *Client) ToggleMute() (muted bool) {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s == nil {
		return false
	}
	s.SetEnabled(!s.Enabled())
	return !s.Enabled()
}

func (c *Client) Mute() {
	c.setEnabled(false)
}

func (c *Client) Unmute() {
	c.setEnabled(true)
}

func (c *Client) setEnabled(enabled bool) {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	if s != nil {
		s.SetEnabled(enabled)
	}
}

// IsMuted is false while no stream exists.
func (c *Client) IsMuted() bool {
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()
	return s != nil && !s.Enabled()
}

// LocalStream returns the microphone stream of the current attempt.
func (c *Client) LocalStream() *LocalStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *Client) emitError(msg string, err error) {
	c.logger.Error(msg, err)
	c.bus.Publish(ErrorEvent{Message: msg, Err: err})
}

func (c *Client) log(msg string) {
	c.logger.Info(msg)
	c.bus.Publish(LogEvent{Message: msg})
}
