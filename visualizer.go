package voicechat

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/bt-bridge/voicechat/shared"
	"go.uber.org/zap"
)

type VisualizerStyle int

const (
	// StyleBars draws a row of bars; used for the microphone.
	StyleBars VisualizerStyle = iota
	// StyleOrb draws a single breathing shape; used for the assistant.
	StyleOrb
)

type VisualizerOptions struct {
	FrameRate  int
	FFTSize    int
	Smoothing  float64
	Gain       float64
	Bars       int
	IdlePeriod time.Duration
	IdleDepth  float64
}

func InputVisualizerOptions() VisualizerOptions {
	return VisualizerOptions{
		FrameRate:  60,
		FFTSize:    256,
		Smoothing:  0.2,
		Gain:       4,
		Bars:       5,
		IdlePeriod: 3 * time.Second,
		IdleDepth:  0.08,
	}
}

func OutputVisualizerOptions() VisualizerOptions {
	return VisualizerOptions{
		FrameRate:  60,
		FFTSize:    512,
		Smoothing:  0.15,
		Gain:       12,
		IdlePeriod: 4 * time.Second,
		IdleDepth:  0.05,
	}
}

func (o VisualizerOptions) withDefaults(def VisualizerOptions) VisualizerOptions {
	if o.FrameRate <= 0 {
		o.FrameRate = def.FrameRate
	}
	if o.FFTSize <= 0 {
		o.FFTSize = def.FFTSize
	}
	if o.Smoothing <= 0 || o.Smoothing > 1 {
		o.Smoothing = def.Smoothing
	}
	if o.Gain <= 0 {
		o.Gain = def.Gain
	}
	if o.Bars <= 0 {
		o.Bars = def.Bars
	}
	if o.IdlePeriod <= 0 {
		o.IdlePeriod = def.IdlePeriod
	}
	if o.IdleDepth <= 0 {
		o.IdleDepth = def.IdleDepth
	}
	return o
}

// audioGraph is the analysis chain a visualizer owns for one stream.
type audioGraph struct {
	analyser *Analyser
	untap    func()
	spectrum []float64
}

func (g *audioGraph) close() {
	if g.untap != nil {
		g.untap()
		g.untap = nil
	}
}

// Visualizer turns a live stream into frames on its own canvas.
type Visualizer struct {
	logger shared.LoggerAdapter
	name   string
	style  VisualizerStyle
	opts   VisualizerOptions
	mount  Mount
	canvas Canvas

	mu         sync.Mutex
	size       Size
	graph      *audioGraph
	level      float64
	elapsed    time.Duration
	stopResize func()
	stop       chan struct{}
	loopDone   chan struct{}
	destroyed  bool
}

func NewInputVisualizer(logger shared.LoggerAdapter, mounts MountResolver, mountID string, opts VisualizerOptions) (*Visualizer, error) {
	return newVisualizer(logger, mounts, mountID, "input-visualizer", StyleBars, opts.withDefaults(InputVisualizerOptions()))
}

func NewOutputVisualizer(logger shared.LoggerAdapter, mounts MountResolver, mountID string, opts VisualizerOptions) (*Visualizer, error) {
	return newVisualizer(logger, mounts, mountID, "output-visualizer", StyleOrb, opts.withDefaults(OutputVisualizerOptions()))
}

// newVisualizer fails when the mount does not exist yet; that is an
// ordering bug in the caller.
func newVisualizer(logger shared.LoggerAdapter, mounts MountResolver, mountID, name string, style VisualizerStyle, opts VisualizerOptions) (*Visualizer, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if mounts == nil {
		return nil, fmt.Errorf("%w: %q", shared.ErrMountNotFound, mountID)
	}
	mount, ok := mounts.Lookup(mountID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", shared.ErrMountNotFound, mountID)
	}
	canvas, err := mount.Attach(name)
	if err != nil {
		return nil, fmt.Errorf("attaching %s: %w", name, err)
	}
	v := &Visualizer{
		logger: logger.With(zap.String("visualizer", name)),
		name:   name,
		style:  style,
		opts:   opts,
		mount:  mount,
		canvas: canvas,
		size:   mount.Size(),
	}
	v.stopResize = mount.OnResize(v.resize)
	return v, nil
}

func (v *Visualizer) resize(size Size) {
	v.mu.Lock()
	v.size = size
	v.mu.Unlock()
}

// ConnectStream builds the analysis graph for stream. A graph from an
// earlier call is torn down first.
func (v *Visualizer) ConnectStream(stream AudioStream) error {
	if stream == nil {
		return errors.New("nil stream")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return errors.New("visualizer destroyed")
	}
	if v.graph != nil {
		v.logger.Warn("replacing connected stream", zap.String("stream", stream.ID()))
		v.graph.close()
	}
	g := &audioGraph{analyser: NewAnalyser(v.opts.FFTSize)}
	g.untap = stream.Tap(g.analyser.Write)
	v.graph = g
	return nil
}

func (v *Visualizer) Start() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed || v.stop != nil {
		return
	}
	v.stop = make(chan struct{})
	v.loopDone = make(chan struct{})
	go v.loop(v.stop, v.loopDone)
}

func (v *Visualizer) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := time.Second / time.Duration(v.opts.FrameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			v.canvas.Draw(v.frame(now.Sub(last)))
			last = now
		}
	}
}

// Stop halts rendering; the graph stays connected.
func (v *Visualizer) Stop() {
	v.mu.Lock()
	stop, done := v.stop, v.loopDone
	v.stop, v.loopDone = nil, nil
	v.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (v *Visualizer) Running() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stop != nil
}

// Destroy releases the graph and removes this visualizer's canvas from
// the mount. The mount itself is left alone.
func (v *Visualizer) Destroy() {
	v.Stop()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.destroyed {
		return
	}
	v.destroyed = true
	if v.graph != nil {
		v.graph.close()
		v.graph = nil
	}
	if v.stopResize != nil {
		v.stopResize()
		v.stopResize = nil
	}
	v.mount.Detach(v.canvas)
}

// Level is the current smoothed amplitude in [0, 1].
func (v *Visualizer) Level() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.level
}

// frame advances the animation by dt.
func (v *Visualizer) frame(dt time.Duration) Frame {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.elapsed += dt

	raw := 0.0
	if v.graph != nil {
		raw = v.rawLevelLocked()
	}
	v.level += (raw - v.level) * v.opts.Smoothing

	phase := 2 * math.Pi * v.elapsed.Seconds() / v.opts.IdlePeriod.Seconds()
	idle := v.opts.IdleDepth * (0.5 + 0.5*math.Sin(phase))
	f := Frame{Size: v.size, Amplitude: v.level, Idle: idle}

	switch v.style {
	case StyleBars:
		f.Bars = make([]float64, v.opts.Bars)
		mid := float64(v.opts.Bars-1) / 2
		for i := range f.Bars {
			weight := 1.0
			if mid > 0 {
				weight = 1 - 0.5*math.Abs(float64(i)-mid)/mid
			}
			// Each bar breathes slightly out of phase with its neighbour.
			ripple := v.opts.IdleDepth * (0.5 + 0.5*math.Sin(phase+float64(i)*0.9))
			h := 0.1 + ripple + v.level*weight*0.9
			f.Bars[i] = math.Min(1, h) * float64(v.size.Height)
		}
	case StyleOrb:
		f.Scale = 1 + v.level*0.6 + idle
		f.Radius = float64(min(v.size.Width, v.size.Height)) / 3 * f.Scale
		f.OffsetY = -float64(v.size.Height) * 0.03 * math.Sin(phase)
		f.Rotation = math.Mod(phase/4+v.level*0.5, 2*math.Pi)
	}
	return f
}

func (v *Visualizer) rawLevelLocked() float64 {
	var raw float64
	switch v.style {
	case StyleBars:
		raw = v.graph.analyser.RMS()
	case StyleOrb:
		v.graph.spectrum = v.graph.analyser.Frequency(v.graph.spectrum)
		// Speech energy sits in the lower half of the spectrum.
		bins := v.graph.spectrum[:len(v.graph.spectrum)/2]
		var sum float64
		for _, m := range bins {
			sum += m
		}
		raw = sum / float64(len(bins))
	}
	return math.Min(1, raw*v.opts.Gain)
}
