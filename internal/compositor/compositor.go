package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	stddraw "image/draw"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"pulsecast/internal/media"
	"pulsecast/internal/observability/metrics"
)

// ErrAlreadyInitialized is returned when Initialize is called twice without
// an intervening Close.
var ErrAlreadyInitialized = errors.New("compositor: already initialized")

// Config carries construction options for a Compositor.
type Config struct {
	Registry *media.Registry
	Logger   *slog.Logger
	Recorder *metrics.Recorder
}

// Compositor owns a single render surface. Every tick it draws the active
// composition (or the transition blend of two compositions) onto the surface
// and publishes the result as a frame on its continuous output stream.
//
// Composition changes are applied atomically between ticks; a tick never
// observes a half-updated composition.
type Compositor struct {
	registry *media.Registry
	logger   *slog.Logger
	recorder *metrics.Recorder

	mu          sync.Mutex
	initialized bool
	width       int
	height      int
	frameRate   int
	surface     *image.RGBA
	fromLayer   *image.RGBA
	toLayer     *image.RGBA
	active      *SceneComposition
	engine      transitionEngine
	stream      *media.Stream
	videoTrack  *media.FrameTrack
	sequence    uint64
	cancel      context.CancelFunc
	done        chan struct{}

	fpsMu      sync.Mutex
	fpsTicks   int
	fpsWindow  time.Time
	currentFPS float64
}

// New constructs a Compositor. A nil registry gets a fresh one so callers can
// register renderables directly through the compositor.
func New(cfg Config) *Compositor {
	registry := cfg.Registry
	if registry == nil {
		registry = media.NewRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Compositor{
		registry: registry,
		logger:   logger.With("component", "compositor"),
		recorder: recorder,
	}
}

// Initialize allocates the render surface, starts the render loop, and
// returns the continuous output stream. Calling Initialize on an initialized
// compositor fails; Close first.
func (c *Compositor) Initialize(width, height, frameRate int) (*media.Stream, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("compositor: dimensions %dx%d must be positive", width, height)
	}
	if frameRate <= 0 {
		frameRate = 30
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return nil, ErrAlreadyInitialized
	}

	bounds := image.Rect(0, 0, width, height)
	c.width = width
	c.height = height
	c.frameRate = frameRate
	c.surface = image.NewRGBA(bounds)
	c.fromLayer = image.NewRGBA(bounds)
	c.toLayer = image.NewRGBA(bounds)
	c.stream = media.NewStream("compositor")
	c.videoTrack = media.NewFrameTrack("video-0", media.TrackKindVideo, 4)
	c.stream.AddTrack(c.videoTrack)
	c.sequence = 0
	c.initialized = true

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})

	c.fpsMu.Lock()
	c.fpsTicks = 0
	c.fpsWindow = time.Now()
	c.currentFPS = 0
	c.fpsMu.Unlock()

	go c.run(ctx, c.done, time.Second/time.Duration(frameRate))

	c.logger.Info("compositor initialized", "width", width, "height", height, "frame_rate", frameRate)
	return c.stream, nil
}

// RegisterRenderable binds an opaque source id to a drawable element.
// Sources whose id cannot be resolved render as a no-op for that frame.
func (c *Compositor) RegisterRenderable(id string, element media.Renderable) {
	c.registry.Register(id, element)
}

// Registry exposes the renderable registry shared with the media source
// provider.
func (c *Compositor) Registry() *media.Registry {
	return c.registry
}

// SetComposition replaces the active composition. When a transition config is
// supplied and a composition was already active, the previous composition is
// retained as the transition's "from" state; otherwise the switch is
// immediate. A call during an in-flight transition replaces it, discarding
// the superseded transition without finishing it.
func (c *Compositor) SetComposition(comp *SceneComposition, transition *TransitionConfig) error {
	if err := comp.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	previous := c.active
	if c.engine.Active() {
		// The in-flight transition's target becomes the visual baseline
		// the new transition starts from.
		if frame, ok := c.engine.Frame(time.Now()); ok {
			previous = frame.to
		}
	}
	c.active = comp
	if transition != nil && previous != nil {
		c.engine.Begin(previous, comp, *transition, time.Now())
	} else {
		c.engine.reset()
	}
	c.logger.Info("composition set", "name", comp.Name, "sources", len(comp.Sources))
	return nil
}

// FPS returns the most recent frames-per-second measurement, derived from
// completed ticks per wall-clock second.
func (c *Compositor) FPS() float64 {
	c.fpsMu.Lock()
	defer c.fpsMu.Unlock()
	return c.currentFPS
}

// Close stops the render loop, closes the output stream's tracks, and
// releases the surface. Registered source elements are left untouched; their
// lifecycle belongs to the provider. Close is idempotent.
func (c *Compositor) Close() {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}
	c.initialized = false
	cancel := c.cancel
	done := c.done
	stream := c.stream
	c.cancel = nil
	c.done = nil
	c.stream = nil
	c.videoTrack = nil
	c.surface = nil
	c.fromLayer = nil
	c.toLayer = nil
	c.active = nil
	c.engine.reset()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if stream != nil {
		stream.Close()
	}
	c.logger.Info("compositor closed")
}

func (c *Compositor) run(ctx context.Context, done chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.renderTick(now)
		}
	}
}

func (c *Compositor) renderTick(now time.Time) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return
	}

	if frame, ok := c.engine.Frame(now); ok {
		c.renderTransition(frame)
		if frame.done {
			c.engine.reset()
			c.active = frame.to
		}
	} else if c.active != nil {
		c.renderComposition(c.surface, c.active)
	} else {
		clearSurface(c.surface, color.Black)
	}

	out := image.NewRGBA(c.surface.Bounds())
	copy(out.Pix, c.surface.Pix)
	c.sequence++
	frame := media.Frame{
		Image:    out,
		PTS:      time.Duration(c.sequence) * time.Second / time.Duration(c.frameRate),
		Sequence: c.sequence,
	}
	track := c.videoTrack
	c.mu.Unlock()

	if track != nil {
		track.WriteFrame(frame)
	}
	c.countTick(now)
}

func (c *Compositor) countTick(now time.Time) {
	c.fpsMu.Lock()
	defer c.fpsMu.Unlock()
	c.fpsTicks++
	if elapsed := now.Sub(c.fpsWindow); elapsed >= time.Second {
		c.currentFPS = float64(c.fpsTicks) / elapsed.Seconds()
		c.fpsTicks = 0
		c.fpsWindow = now
		c.recorder.SetRenderFPS(c.currentFPS)
	}
}

// renderComposition clears dst to the composition's background and paints
// each visible source in ascending z-index order. Per-source failures are
// swallowed and logged so one bad element never aborts the loop.
func (c *Compositor) renderComposition(dst *image.RGBA, comp *SceneComposition) {
	clearSurface(dst, comp.BackgroundColor())
	for _, source := range comp.SortedSources() {
		if !source.Visible {
			continue
		}
		if err := c.drawSource(dst, source); err != nil {
			c.recorder.ObserveRenderError()
			c.logger.Debug("source draw skipped", "source_id", source.SourceID, "error", err)
		}
	}
}

// drawSource paints one source: resolve the element, crop, filter, then draw
// it into the source box with rotation, scale, and opacity applied.
func (c *Compositor) drawSource(dst *image.RGBA, source SceneSource) error {
	element, ok := c.registry.Resolve(source.SourceID)
	if !ok {
		return fmt.Errorf("source %q not registered", source.SourceID)
	}
	frame, err := element.Frame()
	if err != nil {
		return fmt.Errorf("source %q: %w", source.SourceID, err)
	}
	if frame == nil {
		return fmt.Errorf("source %q returned no frame", source.SourceID)
	}

	sr := frame.Bounds()
	if crop := source.Crop; crop != nil {
		sr = image.Rect(
			sr.Min.X+crop.Left,
			sr.Min.Y+crop.Top,
			sr.Max.X-crop.Right,
			sr.Max.Y-crop.Bottom,
		).Intersect(frame.Bounds())
	}
	if sr.Empty() {
		return fmt.Errorf("source %q: empty crop", source.SourceID)
	}

	if chain := buildFilterChain(source.Filters); chain != nil {
		filtered := image.NewRGBA(chain.Bounds(sr))
		chain.Draw(filtered, imageRegion(frame, sr))
		frame = filtered
		sr = filtered.Bounds()
	}

	opts := &draw.Options{}
	if source.Opacity < 1 {
		alpha := uint8(math.Round(clamp01(source.Opacity) * 0xff))
		if alpha == 0 {
			return nil
		}
		opts.SrcMask = image.NewUniform(alphaColor(alpha))
	}

	draw.ApproxBiLinear.Transform(dst, sourceMatrix(source, sr), frame, sr, draw.Over, opts)

	if border := source.Border; border != nil && border.Width > 0 {
		c.drawBorder(dst, source, border)
	}
	return nil
}

// sourceMatrix builds the affine map from element pixels to canvas pixels:
// center the crop region at the origin, apply the source's scale-to-box and
// extra scale, rotate, then translate to the box center.
func sourceMatrix(source SceneSource, sr image.Rectangle) f64.Aff3 {
	srcW := float64(sr.Dx())
	srcH := float64(sr.Dy())
	extraX, extraY := source.EffectiveScale()
	sx := source.Width / srcW * extraX
	sy := source.Height / srcH * extraY

	theta := source.Rotation * math.Pi / 180
	sin, cos := math.Sincos(theta)

	a := sx * cos
	b := -sy * sin
	cc := sx * sin
	d := sy * cos

	scx := float64(sr.Min.X) + srcW/2
	scy := float64(sr.Min.Y) + srcH/2
	cx := source.X + source.Width/2
	cy := source.Y + source.Height/2

	return f64.Aff3{
		a, b, cx - (a*scx + b*scy),
		cc, d, cy - (cc*scx + d*scy),
	}
}

func (c *Compositor) drawBorder(dst *image.RGBA, source SceneSource, border *Border) {
	col, err := ParseHexColor(border.Color)
	if err != nil {
		col = alphaColorNRGBA(0xff)
	}
	x0 := int(math.Round(source.X))
	y0 := int(math.Round(source.Y))
	x1 := int(math.Round(source.X + source.Width))
	y1 := int(math.Round(source.Y + source.Height))
	w := border.Width
	uniform := image.NewUniform(col)
	stddraw.Draw(dst, image.Rect(x0-w, y0-w, x1+w, y0), uniform, image.Point{}, stddraw.Over)
	stddraw.Draw(dst, image.Rect(x0-w, y1, x1+w, y1+w), uniform, image.Point{}, stddraw.Over)
	stddraw.Draw(dst, image.Rect(x0-w, y0, x0, y1), uniform, image.Point{}, stddraw.Over)
	stddraw.Draw(dst, image.Rect(x1, y0, x1+w, y1), uniform, image.Point{}, stddraw.Over)
}

// renderTransition paints the blend of the transition's from/to compositions
// into the surface according to the transition kind and eased progress.
func (c *Compositor) renderTransition(frame transitionFrame) {
	switch frame.config.Kind {
	case TransitionCut:
		c.renderComposition(c.surface, frame.to)
	case TransitionFade:
		c.renderComposition(c.surface, frame.from)
		c.renderComposition(c.toLayer, frame.to)
		alpha := uint8(math.Round(frame.progress * 0xff))
		stddraw.DrawMask(c.surface, c.surface.Bounds(), c.toLayer, image.Point{},
			image.NewUniform(alphaColor(alpha)), image.Point{}, stddraw.Over)
	case TransitionSlide:
		c.renderComposition(c.fromLayer, frame.from)
		c.renderComposition(c.toLayer, frame.to)
		dx, dy := directionVector(frame.config.Direction, c.width, c.height)
		fromOffset := image.Pt(int(math.Round(float64(dx)*frame.progress)), int(math.Round(float64(dy)*frame.progress)))
		toOffset := fromOffset.Sub(image.Pt(dx, dy))
		clearSurface(c.surface, frame.to.BackgroundColor())
		stddraw.Draw(c.surface, c.surface.Bounds().Add(fromOffset), c.fromLayer, image.Point{}, stddraw.Over)
		stddraw.Draw(c.surface, c.surface.Bounds().Add(toOffset), c.toLayer, image.Point{}, stddraw.Over)
	case TransitionWipe:
		c.renderComposition(c.surface, frame.from)
		c.renderComposition(c.toLayer, frame.to)
		reveal := wipeRect(frame.config.Direction, frame.progress, c.width, c.height)
		stddraw.Draw(c.surface, reveal, c.toLayer, reveal.Min, stddraw.Src)
	case TransitionZoom:
		c.renderComposition(c.surface, frame.from)
		c.renderComposition(c.toLayer, frame.to)
		scale := frame.progress
		if scale <= 0 {
			return
		}
		w := float64(c.width) * scale
		h := float64(c.height) * scale
		x0 := (float64(c.width) - w) / 2
		y0 := (float64(c.height) - h) / 2
		target := image.Rect(int(x0), int(y0), int(x0+w), int(y0+h))
		alpha := uint8(math.Round(frame.progress * 0xff))
		opts := &draw.Options{SrcMask: image.NewUniform(alphaColor(alpha))}
		draw.ApproxBiLinear.Scale(c.surface, target, c.toLayer, c.toLayer.Bounds(), draw.Over, opts)
	default:
		c.renderComposition(c.surface, frame.to)
	}
}

// directionVector returns the full-travel displacement of the outgoing
// composition for slide transitions.
func directionVector(dir Direction, width, height int) (int, int) {
	switch dir {
	case DirectionRight:
		return width, 0
	case DirectionUp:
		return 0, -height
	case DirectionDown:
		return 0, height
	case DirectionLeft:
		fallthrough
	default:
		return -width, 0
	}
}

// wipeRect returns the region of the incoming composition revealed at the
// given progress.
func wipeRect(dir Direction, progress float64, width, height int) image.Rectangle {
	switch dir {
	case DirectionRight:
		w := int(math.Round(float64(width) * progress))
		return image.Rect(width-w, 0, width, height)
	case DirectionUp:
		h := int(math.Round(float64(height) * progress))
		return image.Rect(0, height-h, width, height)
	case DirectionDown:
		h := int(math.Round(float64(height) * progress))
		return image.Rect(0, 0, width, h)
	case DirectionLeft:
		fallthrough
	default:
		w := int(math.Round(float64(width) * progress))
		return image.Rect(0, 0, w, height)
	}
}

func clearSurface(dst *image.RGBA, col color.Color) {
	stddraw.Draw(dst, dst.Bounds(), image.NewUniform(col), image.Point{}, stddraw.Src)
}

// imageRegion narrows an image to the given rectangle without copying when
// the underlying type supports it.
func imageRegion(img image.Image, region image.Rectangle) image.Image {
	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	if region == img.Bounds() {
		return img
	}
	if sub, ok := img.(subImager); ok {
		return sub.SubImage(region)
	}
	return img
}

func alphaColor(a uint8) color.Alpha {
	return color.Alpha{A: a}
}

func alphaColorNRGBA(a uint8) color.NRGBA {
	return color.NRGBA{R: 0xff, G: 0xff, B: 0xff, A: a}
}
