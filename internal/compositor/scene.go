package compositor

import (
	"fmt"
	"image/color"
	"sort"
	"strconv"
	"strings"
)

// SceneComposition is a named canvas layout: an ordered collection of
// positioned sources over a background color. Exactly one composition is
// active per compositor instance; the compositor replaces it wholesale when
// the caller switches scenes.
type SceneComposition struct {
	Name       string        `json:"name"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	FrameRate  int           `json:"frameRate"`
	Background string        `json:"background,omitempty"`
	Sources    []SceneSource `json:"sources"`
}

// SceneSource is a positioned reference to a media source provider entry.
// SourceID is resolved against the renderable registry at draw time; an
// unresolved id renders as a no-op for that frame.
type SceneSource struct {
	SourceID string   `json:"sourceId"`
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Width    float64  `json:"width"`
	Height   float64  `json:"height"`
	Rotation float64  `json:"rotation,omitempty"` // degrees, clockwise
	ScaleX   float64  `json:"scaleX,omitempty"`
	ScaleY   float64  `json:"scaleY,omitempty"`
	Opacity  float64  `json:"opacity"`
	ZIndex   int      `json:"zIndex"`
	Visible  bool     `json:"visible"`
	Crop     *Crop    `json:"crop,omitempty"`
	Border   *Border  `json:"border,omitempty"`
	Filters  []Filter `json:"filters,omitempty"`
}

// Crop trims pixels from each edge of the source element before drawing.
type Crop struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
}

// Border draws a solid frame around the source box after the element.
type Border struct {
	Width int    `json:"width"`
	Color string `json:"color"`
}

// Validate reports structural problems that would make the composition
// unrenderable. Per-source issues such as unknown source ids are deliberately
// not validated here; those degrade per frame instead.
func (c *SceneComposition) Validate() error {
	if c == nil {
		return fmt.Errorf("composition is required")
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("composition %q: dimensions must be positive", c.Name)
	}
	for i, source := range c.Sources {
		if strings.TrimSpace(source.SourceID) == "" {
			return fmt.Errorf("composition %q: source %d is missing a source id", c.Name, i)
		}
		if source.Opacity < 0 || source.Opacity > 1 {
			return fmt.Errorf("composition %q: source %q opacity must be within [0,1]", c.Name, source.SourceID)
		}
	}
	return nil
}

// SortedSources returns the sources in ascending z-index order, the order in
// which they are painted. The receiver's slice is not mutated.
func (c *SceneComposition) SortedSources() []SceneSource {
	out := make([]SceneSource, len(c.Sources))
	copy(out, c.Sources)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ZIndex < out[j].ZIndex
	})
	return out
}

// BackgroundColor parses the background as a hex color, defaulting to opaque
// black when absent or malformed.
func (c *SceneComposition) BackgroundColor() color.NRGBA {
	parsed, err := ParseHexColor(c.Background)
	if err != nil {
		return color.NRGBA{A: 0xff}
	}
	return parsed
}

// EffectiveScale folds the optional non-uniform scale into multipliers,
// treating zero values as 1.
func (s SceneSource) EffectiveScale() (float64, float64) {
	sx, sy := s.ScaleX, s.ScaleY
	if sx == 0 {
		sx = 1
	}
	if sy == 0 {
		sy = 1
	}
	return sx, sy
}

// ParseHexColor parses "#rgb" and "#rrggbb" notation into an opaque color.
func ParseHexColor(value string) (color.NRGBA, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "#")
	switch len(trimmed) {
	case 3:
		expanded := make([]byte, 6)
		for i := 0; i < 3; i++ {
			expanded[2*i] = trimmed[i]
			expanded[2*i+1] = trimmed[i]
		}
		trimmed = string(expanded)
	case 6:
	default:
		return color.NRGBA{}, fmt.Errorf("invalid hex color %q", value)
	}
	parsed, err := strconv.ParseUint(trimmed, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid hex color %q", value)
	}
	return color.NRGBA{
		R: uint8(parsed >> 16),
		G: uint8(parsed >> 8),
		B: uint8(parsed),
		A: 0xff,
	}, nil
}
