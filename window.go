package huddle

import (
	"slices"
	"sort"
	"sync"
)

const (
	DefaultItemEstimate  = 64.0
	DefaultOverscan      = 4
	DefaultLoadThreshold = 200.0
)

// Viewport is the scroll state of the list being rendered.
type Viewport struct {
	ScrollTop float64
	Height    float64
}

// Slice is the contiguous range of items to render.
type Slice struct {
	// Start and End bound the rendered items, End exclusive.
	Start, End int
	// Offset is the top of item Start in list coordinates.
	Offset float64
	// Total is the estimated height of the whole list.
	Total float64
}

// WindowController computes the visible slice of a message list from
// measured item heights and triggers backward pagination near the top.
type WindowController struct {
	mu        sync.Mutex
	estimate  float64
	overscan  int
	threshold float64
	loadOlder func()

	heights map[string]float64
	ids     []string
	tops    []float64

	anchor       string
	anchorOffset float64
	scrollTop    float64
}

// ControllerOption configures a WindowController.
type ControllerOption func(*WindowController)

// WithItemEstimate sets the height assumed for unmeasured items.
func WithItemEstimate(h float64) ControllerOption {
	return func(c *WindowController) { c.estimate = h }
}

// WithOverscan sets how many items are rendered beyond each viewport edge.
func WithOverscan(n int) ControllerOption {
	return func(c *WindowController) { c.overscan = n }
}

// WithLoadThreshold sets the distance from the top that triggers loadOlder.
func WithLoadThreshold(px float64) ControllerOption {
	return func(c *WindowController) { c.threshold = px }
}

// NewWindowController creates a controller. loadOlder is typically
// View.LoadOlder; the view refuses duplicate concurrent fetches.
func NewWindowController(loadOlder func(), opts ...ControllerOption) *WindowController {
	c := &WindowController{
		estimate:  DefaultItemEstimate,
		overscan:  DefaultOverscan,
		threshold: DefaultLoadThreshold,
		loadOlder: loadOlder,
		heights:   make(map[string]float64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WindowController) height(id string) float64 {
	if h, ok := c.heights[id]; ok {
		return h
	}
	return c.estimate
}

func (c *WindowController) setItemsLocked(ids []string) {
	c.ids = slices.Clone(ids)
	c.tops = make([]float64, len(ids)+1)
	for i, id := range ids {
		c.tops[i+1] = c.tops[i] + c.height(id)
	}
}

func (c *WindowController) indexOf(id string) int {
	if id == "" {
		return -1
	}
	return slices.Index(c.ids, id)
}

// Layout returns the slice of ids to render for vp and remembers the first
// visible item as the scroll anchor.
func (c *WindowController) Layout(ids []string, vp Viewport) Slice {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setItemsLocked(ids)
	c.scrollTop = vp.ScrollTop
	n := len(c.ids)
	total := c.tops[n]
	if n == 0 {
		c.anchor = ""
		return Slice{}
	}

	// first item whose bottom is below the viewport top
	first := sort.Search(n, func(i int) bool { return c.tops[i+1] > vp.ScrollTop })
	if first == n {
		first = n - 1
	}
	bottom := vp.ScrollTop + vp.Height
	last := sort.Search(n, func(i int) bool { return c.tops[i] >= bottom })

	c.anchor = c.ids[first]
	c.anchorOffset = vp.ScrollTop - c.tops[first]

	start := max(first-c.overscan, 0)
	end := min(last+c.overscan, n)
	return Slice{Start: start, End: end, Offset: c.tops[start], Total: total}
}

// Measure records the rendered height of id and returns the scroll
// correction that keeps the anchor in place: non-zero only when an item
// above the anchor changed height.
func (c *WindowController) Measure(id string, h float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.height(id)
	c.heights[id] = h
	if old == h {
		return 0
	}
	i := c.indexOf(id)
	if i < 0 {
		return 0
	}
	for j := i + 1; j < len(c.tops); j++ {
		c.tops[j] += h - old
	}
	if a := c.indexOf(c.anchor); a < 0 || i >= a {
		return 0
	}
	c.scrollTop += h - old
	return h - old
}

// Rebase swaps in a new id sequence (after a prepend, a removal or a
// placeholder swap) and returns the scroll position that keeps the anchor
// item at the same place on screen.
func (c *WindowController) Rebase(ids []string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setItemsLocked(ids)
	if i := c.indexOf(c.anchor); i >= 0 {
		c.scrollTop = c.tops[i] + c.anchorOffset
	}
	return c.scrollTop
}

// Rename carries the measured height and the anchor of a placeholder over
// to its server id.
func (c *WindowController) Rename(oldID, newID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.heights[oldID]; ok {
		c.heights[newID] = h
		delete(c.heights, oldID)
	}
	if c.anchor == oldID {
		c.anchor = newID
	}
	if i := c.indexOf(oldID); i >= 0 {
		c.ids[i] = newID
	}
}

// OnScroll reports a scroll position and asks for older history when it is
// within the load threshold of the top. It reports whether it asked.
func (c *WindowController) OnScroll(top float64) bool {
	c.mu.Lock()
	c.scrollTop = top
	near := top <= c.threshold && len(c.ids) > 0
	load := c.loadOlder
	c.mu.Unlock()

	if near && load != nil {
		load()
		return true
	}
	return false
}

// ScrollTop returns the controller's current scroll position.
func (c *WindowController) ScrollTop() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scrollTop
}
