// Package render draws simulation snapshots off-screen with gg and writes
// them as PNG frames.
package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"math"
	"sync"

	"gravtree/internal/config"
	"gravtree/internal/sim"
	"gravtree/internal/sim/spatial"

	"github.com/fogleman/gg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/opentype"
)

// ErrInvalidSize is returned for a non-positive image size.
var ErrInvalidSize = errors.New("render: invalid image size")

const (
	minBodyRadius = 0.75
	maxBodyRadius = 12.0
	fitPadding    = 0.08
)

var (
	background = color.RGBA{8, 8, 20, 255}
	slowColor  = color.RGBA{90, 140, 255, 255}
	fastColor  = color.RGBA{255, 230, 180, 255}
	hudColor   = color.RGBA{220, 220, 235, 255}
	hudPanel   = color.RGBA{0, 0, 0, 150}
)

// Renderer owns one drawing context. Calls are serialized.
type Renderer struct {
	cfg config.RenderConfig

	mu      sync.Mutex
	dc      *gg.Context
	hudFace font.Face
}

// NewRenderer creates a renderer for cfg.Width x cfg.Height images.
func NewRenderer(cfg config.RenderConfig) (*Renderer, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, cfg.Width, cfg.Height)
	}
	if cfg.WorldRadius < 0 || math.IsNaN(cfg.WorldRadius) || math.IsInf(cfg.WorldRadius, 0) {
		return nil, fmt.Errorf("render: invalid world radius %v", cfg.WorldRadius)
	}

	r := &Renderer{
		cfg:     cfg,
		dc:      gg.NewContext(cfg.Width, cfg.Height),
		hudFace: loadHUDFace(),
	}
	return r, nil
}

// loadHUDFace parses the embedded Go Mono font once. basicfont is the fallback.
func loadHUDFace() font.Face {
	parsed, err := opentype.Parse(gomono.TTF)
	if err != nil {
		log.Printf("⚠️ Failed to parse HUD font, using basicfont: %v", err)
		return basicfont.Face7x13
	}
	face, err := opentype.NewFace(parsed, &opentype.FaceOptions{
		Size:    14,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		log.Printf("⚠️ Failed to create HUD font face, using basicfont: %v", err)
		return basicfont.Face7x13
	}
	return face
}

// viewport maps world coordinates to pixels. y grows down in both.
type viewport struct {
	center spatial.Vec2
	scale  float64
	w, h   float64
}

func (v viewport) toScreen(x, y float64) (float64, float64) {
	return v.w/2 + (x-v.center.X)*v.scale, v.h/2 + (y-v.center.Y)*v.scale
}

func (r *Renderer) viewportFor(snap *sim.Snapshot) viewport {
	w, h := float64(r.cfg.Width), float64(r.cfg.Height)

	region := spatial.Region{Half: r.cfg.WorldRadius}
	if r.cfg.WorldRadius == 0 {
		positions := make([]spatial.Vec2, len(snap.Bodies))
		for i, b := range snap.Bodies {
			positions[i] = spatial.Vec2{X: b.X, Y: b.Y}
		}
		region = spatial.BoundingRegion(positions, fitPadding)
	}

	return viewport{
		center: region.Center,
		scale:  math.Min(w, h) / region.Size(),
		w:      w,
		h:      h,
	}
}

// Render draws snap and returns the context image. The image is reused by
// the next call.
func (r *Renderer) Render(snap *sim.Snapshot) image.Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draw(snap)
	return r.dc.Image()
}

// EncodePNG draws snap and writes it to w as PNG.
func (r *Renderer) EncodePNG(w io.Writer, snap *sim.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draw(snap)
	if err := png.Encode(w, r.dc.Image()); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}

func (r *Renderer) draw(snap *sim.Snapshot) {
	dc := r.dc
	dc.SetColor(background)
	dc.Clear()

	if snap == nil {
		return
	}

	vp := r.viewportFor(snap)
	r.drawBodies(dc, vp, snap.Bodies)
	if r.cfg.ShowHUD {
		r.drawHUD(dc, snap)
	}
}

func (r *Renderer) drawBodies(dc *gg.Context, vp viewport, bodies []sim.BodySnapshot) {
	var meanMass, maxSpeed float64
	n := 0
	for _, b := range bodies {
		if !finiteBody(b) {
			continue
		}
		meanMass += b.Mass
		maxSpeed = math.Max(maxSpeed, math.Hypot(b.VX, b.VY))
		n++
	}
	if n == 0 {
		return
	}
	meanMass /= float64(n)

	for _, b := range bodies {
		if !finiteBody(b) {
			continue
		}
		x, y := vp.toScreen(b.X, b.Y)
		radius := bodyRadius(b.Mass, meanMass)
		if x < -radius || y < -radius || x > vp.w+radius || y > vp.h+radius {
			continue
		}

		t := 0.0
		if maxSpeed > 0 {
			t = math.Hypot(b.VX, b.VY) / maxSpeed
		}
		dc.SetColor(lerpColor(slowColor, fastColor, t))
		dc.DrawCircle(x, y, radius)
		dc.Fill()
	}
}

func (r *Renderer) drawHUD(dc *gg.Context, snap *sim.Snapshot) {
	lines := []string{
		fmt.Sprintf("frame %d  seed %d", snap.Frame, snap.Seed),
		fmt.Sprintf("bodies %d  nodes %d  depth %d", len(snap.Bodies), snap.Stats.Tree.Nodes, snap.Stats.Tree.Depth),
		fmt.Sprintf("step %.2f ms  recoveries %d", float64(snap.Stats.Total.Microseconds())/1000, snap.Stats.Recoveries()),
		fmt.Sprintf("KE %.4g  |p| %.3g", snap.Diagnostics.KineticEnergy, snap.Diagnostics.Momentum.Len()),
	}
	if snap.Paused {
		lines = append(lines, "PAUSED")
	}

	dc.SetFontFace(r.hudFace)
	lineHeight := dc.FontHeight() * 1.4
	panelW := 0.0
	for _, l := range lines {
		w, _ := dc.MeasureString(l)
		panelW = math.Max(panelW, w)
	}

	dc.SetColor(hudPanel)
	dc.DrawRoundedRectangle(8, 8, panelW+20, lineHeight*float64(len(lines))+12, 4)
	dc.Fill()

	dc.SetColor(hudColor)
	for i, l := range lines {
		dc.DrawString(l, 18, 14+lineHeight*float64(i+1)-lineHeight*0.3)
	}
}

// bodyRadius grows with the cube root of mass relative to the mean.
func bodyRadius(mass, meanMass float64) float64 {
	if meanMass <= 0 {
		return minBodyRadius
	}
	r := 1.5 * math.Cbrt(mass/meanMass)
	return math.Max(minBodyRadius, math.Min(maxBodyRadius, r))
}

func lerpColor(a, b color.RGBA, t float64) color.RGBA {
	t = math.Max(0, math.Min(1, t))
	mix := func(x, y uint8) uint8 {
		return uint8(float64(x) + (float64(y)-float64(x))*t)
	}
	return color.RGBA{mix(a.R, b.R), mix(a.G, b.G), mix(a.B, b.B), 255}
}

func finiteBody(b sim.BodySnapshot) bool {
	for _, f := range [...]float64{b.X, b.Y, b.VX, b.VY, b.Mass} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}
