package compositor

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/disintegration/gift"
)

// FilterKind enumerates the per-source filters the compositor can apply.
type FilterKind string

const (
	FilterBlur       FilterKind = "blur"
	FilterBrightness FilterKind = "brightness"
	FilterContrast   FilterKind = "contrast"
	FilterSaturation FilterKind = "saturation"
	FilterGrayscale  FilterKind = "grayscale"
	FilterChromaKey  FilterKind = "chroma-key"
)

// Filter is one entry in a source's filter chain. Amount semantics depend on
// the kind: blur uses it as a sigma in pixels, brightness/contrast/saturation
// as a percentage in [-100,100], chroma-key as the similarity threshold in
// [0,1] with Color naming the key color.
type Filter struct {
	Kind   FilterKind `json:"kind"`
	Amount float64    `json:"amount,omitempty"`
	Color  string     `json:"color,omitempty"`
}

// buildFilterChain assembles the gift pipeline for a source. Unknown kinds
// are skipped so a stale filter list degrades instead of failing the draw.
func buildFilterChain(filters []Filter) *gift.GIFT {
	if len(filters) == 0 {
		return nil
	}
	chain := make([]gift.Filter, 0, len(filters))
	for _, f := range filters {
		switch f.Kind {
		case FilterBlur:
			if f.Amount > 0 {
				chain = append(chain, gift.GaussianBlur(float32(f.Amount)))
			}
		case FilterBrightness:
			chain = append(chain, gift.Brightness(float32(f.Amount)))
		case FilterContrast:
			chain = append(chain, gift.Contrast(float32(f.Amount)))
		case FilterSaturation:
			chain = append(chain, gift.Saturation(float32(f.Amount)))
		case FilterGrayscale:
			chain = append(chain, gift.Grayscale())
		case FilterChromaKey:
			key, err := ParseHexColor(f.Color)
			if err != nil {
				key = color.NRGBA{G: 0xff, A: 0xff}
			}
			chain = append(chain, &chromaKeyFilter{key: key, similarity: clamp01(f.Amount)})
		}
	}
	if len(chain) == 0 {
		return nil
	}
	return gift.New(chain...)
}

// chromaKeyFilter knocks out pixels close to the key color. gift has no
// keying filter of its own, so this implements gift.Filter directly.
type chromaKeyFilter struct {
	key        color.NRGBA
	similarity float64
}

func (f *chromaKeyFilter) Bounds(srcBounds image.Rectangle) image.Rectangle {
	return srcBounds
}

func (f *chromaKeyFilter) Draw(dst draw.Image, src image.Image, options *gift.Options) {
	bounds := src.Bounds()
	// Distances are compared in normalized RGB space; the threshold scales
	// with the configured similarity.
	threshold := f.similarity * math.Sqrt(3)
	kr := float64(f.key.R) / 255
	kg := float64(f.key.G) / 255
	kb := float64(f.key.B) / 255
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			dr := float64(c.R)/255 - kr
			dg := float64(c.G)/255 - kg
			db := float64(c.B)/255 - kb
			if math.Sqrt(dr*dr+dg*dg+db*db) <= threshold {
				c.A = 0
			}
			dst.Set(x-bounds.Min.X+dst.Bounds().Min.X, y-bounds.Min.Y+dst.Bounds().Min.Y, c)
		}
	}
}
