package tools

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bt-bridge/voicechat"
	"github.com/bt-bridge/voicechat/shared"
	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
	"gopkg.in/hraban/opus.v2"
)

// AudioBuffer is a bounded byte FIFO feeding an oto player. Writes past
// capacity drop the oldest bytes. An empty buffer reads as silence until
// it is closed.
type AudioBuffer struct {
	buffer []byte
	mu     sync.Mutex
	size   int
	cap    int
	closed bool
}

func NewAudioBuffer(fixedCap int) *AudioBuffer {
	return &AudioBuffer{
		buffer: make([]byte, 0, fixedCap),
		cap:    fixedCap,
	}
}

func (ab *AudioBuffer) Write(data []byte) (dropped int) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.closed {
		return len(data)
	}
	if len(data) > ab.cap {
		dropped = len(data) - ab.cap
		data = data[dropped:]
	}
	if ab.size+len(data) > ab.cap {
		drop := ab.size + len(data) - ab.cap
		ab.buffer = ab.buffer[drop:]
		ab.size -= drop
		dropped += drop
	}
	ab.buffer = append(ab.buffer, data...)
	ab.size += len(data)
	return dropped
}

func (ab *AudioBuffer) Read(p []byte) (n int, err error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.size == 0 {
		if ab.closed {
			return 0, io.EOF
		}
		clear(p)
		return len(p), nil
	}
	n = copy(p, ab.buffer)
	ab.buffer = ab.buffer[n:]
	ab.size -= n
	return n, nil
}

func (ab *AudioBuffer) Len() int {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	return ab.size
}

func (ab *AudioBuffer) Close() error {
	ab.mu.Lock()
	ab.closed = true
	ab.mu.Unlock()
	return nil
}

type PlayerOptions struct {
	SampleRate int
	Channels   int
	// BufferMs is the oto device buffer.
	BufferMs int
	// RingSeconds bounds the decoded audio queued ahead of the device.
	RingSeconds int
}

func DefaultPlayerOptions() PlayerOptions {
	return PlayerOptions{
		SampleRate:  48000,
		Channels:    2,
		BufferMs:    100,
		RingSeconds: 2,
	}
}

// Player plays inbound opus tracks on the default output device. oto
// permits one context per process, so every track shares it.
type Player struct {
	logger shared.LoggerAdapter
	opts   PlayerOptions

	once   sync.Once
	otoCtx *oto.Context
	err    error
}

var _ voicechat.RemotePlayer = (*Player)(nil)

func NewPlayer(logger shared.LoggerAdapter, opts PlayerOptions) *Player {
	def := DefaultPlayerOptions()
	if opts.SampleRate <= 0 {
		opts.SampleRate = def.SampleRate
	}
	if opts.Channels <= 0 {
		opts.Channels = def.Channels
	}
	if opts.BufferMs <= 0 {
		opts.BufferMs = def.BufferMs
	}
	if opts.RingSeconds <= 0 {
		opts.RingSeconds = def.RingSeconds
	}
	return &Player{logger: logger, opts: opts}
}

func (p *Player) context() (*oto.Context, error) {
	p.once.Do(func() {
		otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   p.opts.SampleRate,
			ChannelCount: p.opts.Channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   time.Duration(p.opts.BufferMs) * time.Millisecond,
		})
		if err != nil {
			p.err = fmt.Errorf("creating audio output: %w", err)
			return
		}
		<-ready
		p.otoCtx = otoCtx
	})
	return p.otoCtx, p.err
}

func (p *Player) Play(ctx context.Context, track voicechat.RemoteTrack) (voicechat.RemoteStream, error) {
	codec := track.Codec()
	p.logger.Info("playing remote audio",
		zap.String("codec", codec.MimeType),
		zap.Uint32("clockRate", codec.ClockRate),
		zap.Uint16("channels", codec.Channels),
	)
	otoCtx, err := p.context()
	if err != nil {
		return nil, err
	}
	// libopus resamples and downmixes to the device format.
	decoder, err := opus.NewDecoder(p.opts.SampleRate, p.opts.Channels)
	if err != nil {
		return nil, fmt.Errorf("creating opus decoder: %w", err)
	}
	buffer := NewAudioBuffer(p.opts.RingSeconds * p.opts.SampleRate * p.opts.Channels * 2)
	player := otoCtx.NewPlayer(buffer)
	player.Play()

	ctx, cancel := context.WithCancel(ctx)
	rs := &remoteStream{
		id:     track.ID(),
		buffer: buffer,
		player: player,
		cancel: cancel,
	}
	go rs.run(ctx, p.logger.With(zap.String("track", track.ID())), track, decoder, p.opts)
	return rs, nil
}

type remoteStream struct {
	id     string
	taps   voicechat.Taps
	buffer *AudioBuffer
	player *oto.Player
	cancel context.CancelFunc
	once   sync.Once
}

func (rs *remoteStream) ID() string {
	return rs.id
}

func (rs *remoteStream) Tap(fn func(pcm []float32)) (untap func()) {
	return rs.taps.Add(fn)
}

func (rs *remoteStream) Close() error {
	var err error
	rs.once.Do(func() {
		rs.cancel()
		_ = rs.buffer.Close()
		err = rs.player.Close()
	})
	return err
}

func (rs *remoteStream) run(ctx context.Context, logger shared.LoggerAdapter, track voicechat.RemoteTrack, decoder *opus.Decoder, opts PlayerOptions) {
	defer func() { _ = rs.Close() }()
	// 120ms is the longest opus frame.
	pcm := make([]int16, FrameSamples(120*time.Millisecond, opts.SampleRate, opts.Channels))
	var mono []float32
	for ctx.Err() == nil {
		packet, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Error("reading RTP packet", err)
			}
			return
		}
		if len(packet.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(packet.Payload, pcm)
		if err != nil {
			logger.Debug("decoding opus", zap.Error(err))
			continue
		}
		frame := pcm[:n*opts.Channels]
		pcmBytes := make([]byte, len(frame)*2)
		for i, s := range frame {
			binary.LittleEndian.PutUint16(pcmBytes[i*2:], uint16(s))
		}
		if dropped := rs.buffer.Write(pcmBytes); dropped > 0 {
			logger.Warn("audio buffer dropped data", zap.Int("droppedBytes", dropped))
		}
		if rs.taps.Len() > 0 {
			mono = Int16ToMono(mono, frame, opts.Channels)
			rs.taps.Broadcast(mono)
		}
	}
}
