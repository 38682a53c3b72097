package terminal

import (
	"sync"
	"time"
)

// pane is a terminal that can flush its pending geometry.
type pane interface {
	flushGeometry()
}

// ResizeCoordinator batches geometry changes of every registered pane.
// Inside a gesture (BeginGesture..EndGesture) nothing is sent; EndGesture
// flushes each changed pane once with its final size. Outside a gesture
// changes are flushed after a quiet period, or immediately when the period
// is zero.
type ResizeCoordinator struct {
	quiet time.Duration

	mutex    sync.Mutex
	panes    map[pane]struct{}
	pending  map[pane]struct{}
	dragging bool
	timer    *time.Timer
}

// NewResizeCoordinator creates a coordinator with the given quiet period.
func NewResizeCoordinator(quiet time.Duration) *ResizeCoordinator {
	return &ResizeCoordinator{
		quiet:   quiet,
		panes:   make(map[pane]struct{}),
		pending: make(map[pane]struct{}),
	}
}

// BeginGesture marks the start of a drag; resizes are held until EndGesture.
func (c *ResizeCoordinator) BeginGesture() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.dragging = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// EndGesture ends a drag and flushes every pane whose size changed.
func (c *ResizeCoordinator) EndGesture() {
	c.mutex.Lock()
	c.dragging = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mutex.Unlock()

	c.flush()
}

// Dragging reports whether a gesture is in progress.
func (c *ResizeCoordinator) Dragging() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.dragging
}

func (c *ResizeCoordinator) register(p pane) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.panes[p] = struct{}{}
}

func (c *ResizeCoordinator) unregister(p pane) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.panes, p)
	delete(c.pending, p)
}

func (c *ResizeCoordinator) request(p pane) {
	c.mutex.Lock()
	if _, ok := c.panes[p]; !ok {
		// Not attached yet; the pane flushes on attach.
		c.mutex.Unlock()
		return
	}
	c.pending[p] = struct{}{}
	if c.dragging {
		c.mutex.Unlock()
		return
	}
	if c.quiet <= 0 {
		c.mutex.Unlock()
		c.flush()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.quiet, c.flush)
	c.mutex.Unlock()
}

func (c *ResizeCoordinator) flush() {
	c.mutex.Lock()
	if c.dragging {
		c.mutex.Unlock()
		return
	}
	pending := make([]pane, 0, len(c.pending))
	for p := range c.pending {
		pending = append(pending, p)
	}
	clear(c.pending)
	c.timer = nil
	c.mutex.Unlock()

	for _, p := range pending {
		p.flushGeometry()
	}
}
