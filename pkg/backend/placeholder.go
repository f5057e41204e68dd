package backend

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var placeholderLines = []string{"Potential NSFW", "content blocked"}

// text is rendered on a canvas this wide and scaled up to the target size
const placeholderCanvas = 128

// Placeholder lazily renders the image that replaces safety-flagged output
type Placeholder struct {
	width, height int

	once    sync.Once
	encoded []byte
	err     error
}

func NewPlaceholder(width, height int) *Placeholder {
	return &Placeholder{width: width, height: height}
}

// PNG returns the rendered placeholder; it is computed once
func (p *Placeholder) PNG() ([]byte, error) {
	p.once.Do(func() {
		p.encoded, p.err = renderPlaceholder(p.width, p.height)
	})
	return p.encoded, p.err
}

// Substitute replaces every NSFW image with the placeholder, in place
func (p *Placeholder) Substitute(images []Image) (int, error) {
	replaced := 0
	for i := range images {
		if !images[i].NSFW {
			continue
		}
		encoded, err := p.PNG()
		if err != nil {
			return replaced, err
		}
		images[i].PNG = encoded
		replaced++
	}
	return replaced, nil
}

func renderPlaceholder(width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid placeholder size %dx%d", width, height)
	}
	scale := max(1, width/placeholderCanvas)
	smallW, smallH := max(1, width/scale), max(1, height/scale)

	small := image.NewRGBA(image.Rect(0, 0, smallW, smallH))
	draw.Draw(small, small.Bounds(), image.NewUniform(color.RGBA{R: 32, G: 32, B: 36, A: 255}), image.Point{}, draw.Src)

	face := basicfont.Face7x13
	drawer := &font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(color.RGBA{R: 235, G: 235, B: 235, A: 255}),
		Face: face,
	}
	lineHeight := face.Metrics().Height.Ceil() + 2
	top := smallH/2 - (len(placeholderLines)*lineHeight)/2 + face.Metrics().Ascent.Ceil()
	for i, line := range placeholderLines {
		x := (fixed.I(smallW) - drawer.MeasureString(line)) / 2
		drawer.Dot = fixed.Point26_6{X: x, Y: fixed.I(top + i*lineHeight)}
		drawer.DrawString(line)
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.NearestNeighbor.Scale(out, out.Bounds(), small, small.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("failed to encode placeholder: %w", err)
	}
	return buf.Bytes(), nil
}
