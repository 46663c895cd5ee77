package voicechat

import (
	"fmt"
	"sync"
)

type Size struct {
	Width  int
	Height int
}

// Frame is what a visualizer renders once per tick. Bars is set for the
// bar style, Radius/Scale/OffsetY/Rotation for the orb style.
type Frame struct {
	Size      Size
	Amplitude float64
	Idle      float64
	Bars      []float64
	Radius    float64
	Scale     float64
	OffsetY   float64
	Rotation  float64
}

type Canvas interface {
	Draw(frame Frame)
}

// Mount is a caller-owned rendering target. Visualizers attach their own
// canvases to it and detach exactly those on destroy.
type Mount interface {
	Size() Size
	OnResize(fn func(Size)) (stop func())
	Attach(name string) (Canvas, error)
	Detach(c Canvas)
}

type MountResolver interface {
	Lookup(id string) (Mount, bool)
}

// Mounts resolves mount ids from a fixed table.
type Mounts map[string]Mount

func (m Mounts) Lookup(id string) (Mount, bool) {
	mount, ok := m[id]
	return mount, ok && mount != nil
}

// Surface is an in-memory Mount that keeps the last frame of each canvas.
type Surface struct {
	mu       sync.Mutex
	size     Size
	nodes    []*SurfaceCanvas
	watchers map[int]func(Size)
	nextID   int
}

func NewSurface(size Size) *Surface {
	return &Surface{size: size, watchers: make(map[int]func(Size))}
}

type SurfaceCanvas struct {
	name string

	mu     sync.Mutex
	frames int
	last   Frame
}

func (c *SurfaceCanvas) Name() string { return c.name }

func (c *SurfaceCanvas) Draw(frame Frame) {
	c.mu.Lock()
	c.frames++
	c.last = frame
	c.mu.Unlock()
}

// Last returns the most recent frame and how many were drawn.
func (c *SurfaceCanvas) Last() (Frame, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.frames
}

func (s *Surface) Size() Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *Surface) Resize(size Size) {
	s.mu.Lock()
	s.size = size
	watchers := make([]func(Size), 0, len(s.watchers))
	for _, w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()
	for _, w := range watchers {
		w(size)
	}
}

func (s *Surface) OnResize(fn func(Size)) (stop func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *Surface) Attach(name string) (Canvas, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if n.name == name {
			return nil, fmt.Errorf("canvas %q already attached", name)
		}
	}
	c := &SurfaceCanvas{name: name}
	s.nodes = append(s.nodes, c)
	return c, nil
}

func (s *Surface) Detach(c Canvas) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.nodes {
		if Canvas(n) == c {
			s.nodes = append(s.nodes[:i], s.nodes[i+1:]...)
			return
		}
	}
}

// Canvas returns the attached canvas called name.
func (s *Surface) Canvas(name string) (*SurfaceCanvas, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if n.name == name {
			return n, true
		}
	}
	return nil, false
}

func (s *Surface) Nodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, len(s.nodes))
	for i, n := range s.nodes {
		names[i] = n.name
	}
	return names
}

// Watchers reports how many resize observers are registered.
func (s *Surface) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}
