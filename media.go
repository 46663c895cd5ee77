package voicechat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bt-bridge/voicechat/shared"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

type TrackState string

const (
	TrackLive  TrackState = "live"
	TrackEnded TrackState = "ended"
)

// opusSilence is a single 20ms opus frame of digital silence; it is
// written instead of captured audio while a track is disabled.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// AudioStream is a read-only view of decoded audio. Taps receive mono
// float32 PCM in [-1, 1] on the producer's goroutine and must not retain
// the slice.
type AudioStream interface {
	ID() string
	Tap(fn func(pcm []float32)) (untap func())
}

// LocalTrack is one capture track as produced by a device driver.
type LocalTrack interface {
	ID() string
	Codec() webrtc.RTPCodecCapability
	// ReadSample blocks for the next encoded sample for the wire.
	ReadSample() (media.Sample, error)
	// ReadPCM blocks for the next chunk of raw audio for analysis.
	ReadPCM() ([]float32, error)
	Close() error
}

type MediaDevices interface {
	GetUserMedia(ctx context.Context) (*LocalStream, error)
}

// RemoteStream is the playback side of an inbound track.
type RemoteStream interface {
	AudioStream
	Close() error
}

type RemotePlayer interface {
	Play(ctx context.Context, track RemoteTrack) (RemoteStream, error)
}

// Taps fans PCM out to registered listeners.
type Taps struct {
	mu     sync.RWMutex
	nextID uint64
	fns    map[uint64]func([]float32)
}

func (t *Taps) Add(fn func([]float32)) (remove func()) {
	t.mu.Lock()
	if t.fns == nil {
		t.fns = make(map[uint64]func([]float32))
	}
	t.nextID++
	id := t.nextID
	t.fns[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.fns, id)
		t.mu.Unlock()
	}
}

func (t *Taps) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fns)
}

func (t *Taps) Broadcast(pcm []float32) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, fn := range t.fns {
		fn(pcm)
	}
}

type localTrack struct {
	src     LocalTrack
	enabled atomic.Bool
	ended   atomic.Bool
}

// LocalStream owns captured tracks for one session. Muting flips the
// enabled flag only; the tracks stay open until Stop.
type LocalStream struct {
	id     string
	tracks []*localTrack
	taps   Taps

	pcmOnce  sync.Once
	stopOnce sync.Once
}

func NewLocalStream(id string, tracks ...LocalTrack) *LocalStream {
	s := &LocalStream{id: id}
	for _, t := range tracks {
		lt := &localTrack{src: t}
		lt.enabled.Store(true)
		s.tracks = append(s.tracks, lt)
	}
	return s
}

func (s *LocalStream) ID() string {
	return s.id
}

func (s *LocalStream) Len() int {
	return len(s.tracks)
}

func (s *LocalStream) SetEnabled(enabled bool) {
	for _, t := range s.tracks {
		t.enabled.Store(enabled)
	}
}

// Enabled reports whether any track is enabled.
func (s *LocalStream) Enabled() bool {
	for _, t := range s.tracks {
		if t.enabled.Load() {
			return true
		}
	}
	return false
}

func (s *LocalStream) ReadyStates() []TrackState {
	states := make([]TrackState, len(s.tracks))
	for i, t := range s.tracks {
		states[i] = TrackLive
		if t.ended.Load() {
			states[i] = TrackEnded
		}
	}
	return states
}

// Tap starts PCM readers on first use.
func (s *LocalStream) Tap(fn func(pcm []float32)) (untap func()) {
	untap = s.taps.Add(fn)
	s.pcmOnce.Do(func() {
		for _, t := range s.tracks {
			go s.readPCM(t)
		}
	})
	return untap
}

func (s *LocalStream) readPCM(t *localTrack) {
	var silence []float32
	for {
		pcm, err := t.src.ReadPCM()
		if err != nil || t.ended.Load() {
			return
		}
		if !t.enabled.Load() {
			if cap(silence) < len(pcm) {
				silence = make([]float32, len(pcm))
			}
			pcm = silence[:len(pcm)]
		}
		s.taps.Broadcast(pcm)
	}
}

type sampleWriter interface {
	WriteSample(media.Sample) error
}

// pump forwards encoded samples until the track ends or ctx is done.
func (s *LocalStream) pump(ctx context.Context, logger shared.LoggerAdapter, t *localTrack, w sampleWriter) {
	opus := strings.EqualFold(t.src.Codec().MimeType, webrtc.MimeTypeOpus)
	for {
		if ctx.Err() != nil || t.ended.Load() {
			return
		}
		sample, err := t.src.ReadSample()
		if err != nil {
			if errors.Is(err, io.EOF) || t.ended.Load() || ctx.Err() != nil {
				return
			}
			logger.Error("reading from local track", err, zap.String("track", t.src.ID()))
			continue
		}
		if !t.enabled.Load() {
			if !opus {
				continue
			}
			sample.Data = opusSilence
		}
		if err := w.WriteSample(sample); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			logger.Error("writing sample to track", err, zap.String("track", t.src.ID()))
		}
	}
}

// Stop ends every track. Safe to call more than once.
func (s *LocalStream) Stop() error {
	var errs []error
	s.stopOnce.Do(func() {
		for _, t := range s.tracks {
			t.ended.Store(true)
			if err := t.src.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
