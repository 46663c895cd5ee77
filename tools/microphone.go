package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/voicechat"
	"github.com/bt-bridge/voicechat/shared"
	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

type MicrophoneOptions struct {
	SampleRate int
	Channels   int
	SampleSize int
}

func DefaultMicrophoneOptions() MicrophoneOptions {
	return MicrophoneOptions{SampleRate: 48000, Channels: 1, SampleSize: 16}
}

// Microphone opens the default capture device with an opus encoder.
type Microphone struct {
	logger shared.LoggerAdapter
	opts   MicrophoneOptions
}

var _ voicechat.MediaDevices = (*Microphone)(nil)

func NewMicrophone(logger shared.LoggerAdapter, opts MicrophoneOptions) *Microphone {
	def := DefaultMicrophoneOptions()
	if opts.SampleRate <= 0 {
		opts.SampleRate = def.SampleRate
	}
	if opts.Channels <= 0 {
		opts.Channels = def.Channels
	}
	if opts.SampleSize <= 0 {
		opts.SampleSize = def.SampleSize
	}
	return &Microphone{logger: logger, opts: opts}
}

func (m *Microphone) GetUserMedia(ctx context.Context) (*voicechat.LocalStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(m.opts.SampleRate)
			c.ChannelCount = prop.Int(m.opts.Channels)
			c.SampleSize = prop.Int(m.opts.SampleSize)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return nil, err
	}
	var tracks []voicechat.LocalTrack
	for _, t := range stream.GetAudioTracks() {
		mt, err := newMicTrack(t, time.Duration(opusParams.Latency))
		if err != nil {
			for _, opened := range tracks {
				_ = opened.Close()
			}
			_ = t.Close()
			return nil, err
		}
		tracks = append(tracks, mt)
	}
	if len(tracks) == 0 {
		return nil, shared.ErrNoAudioTrack
	}
	m.logger.Info("microphone opened", zap.Int("tracks", len(tracks)))
	return voicechat.NewLocalStream(uuid.NewString(), tracks...), nil
}

type micTrack struct {
	track    mediadevices.Track
	encoded  mediadevices.EncodedReadCloser
	duration time.Duration

	pcmOnce sync.Once
	pcm     audio.Reader
	mono    []float32
}

func newMicTrack(t mediadevices.Track, duration time.Duration) (*micTrack, error) {
	encoded, err := t.NewEncodedReader(webrtc.MimeTypeOpus)
	if err != nil {
		return nil, fmt.Errorf("creating media track reader: %w", err)
	}
	return &micTrack{track: t, encoded: encoded, duration: duration}, nil
}

func (t *micTrack) ID() string {
	return t.track.ID()
}

func (t *micTrack) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

func (t *micTrack) ReadSample() (media.Sample, error) {
	for {
		buf, release, err := t.encoded.Read()
		if err != nil {
			if release != nil {
				release()
			}
			return media.Sample{}, err
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		data := append([]byte(nil), buf.Data...)
		release()
		return media.Sample{Data: data, Duration: t.duration}, nil
	}
}

var errNotAudioTrack = errors.New("track has no raw audio reader")

func (t *micTrack) ReadPCM() ([]float32, error) {
	t.pcmOnce.Do(func() {
		if at, ok := t.track.(*mediadevices.AudioTrack); ok {
			t.pcm = at.NewReader(false)
		}
	})
	if t.pcm == nil {
		return nil, errNotAudioTrack
	}
	chunk, release, err := t.pcm.Read()
	if err != nil {
		return nil, err
	}
	defer release()
	switch c := chunk.(type) {
	case *wave.Int16Interleaved:
		t.mono = Int16ToMono(t.mono, c.Data, c.Size.Channels)
	case *wave.Float32Interleaved:
		t.mono = Float32ToMono(t.mono, c.Data, c.Size.Channels)
	default:
		t.mono = t.mono[:0]
	}
	return t.mono, nil
}

func (t *micTrack) Close() error {
	return errors.Join(t.encoded.Close(), t.track.Close())
}
