package render

import (
	"bytes"
	"errors"
	"image/color"
	"image/png"
	"math"
	"os"
	"testing"

	"gravtree/internal/config"
	"gravtree/internal/sim"
)

func testConfig() config.RenderConfig {
	cfg := config.DefaultRender()
	cfg.Width, cfg.Height = 160, 90
	return cfg
}

func ringSnapshot(frame uint64) *sim.Snapshot {
	snap := &sim.Snapshot{Frame: frame}
	for i := 0; i < 32; i++ {
		a := float64(i) / 32 * 2 * math.Pi
		snap.Bodies = append(snap.Bodies, sim.BodySnapshot{
			X: 100 * math.Cos(a), Y: 100 * math.Sin(a),
			VX: -math.Sin(a), VY: math.Cos(a), Mass: 1,
		})
	}
	return snap
}

// TestNewRendererRejectsBadSize covers config validation
func TestNewRendererRejectsBadSize(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*config.RenderConfig)
	}{
		{"zero width", func(c *config.RenderConfig) { c.Width = 0 }},
		{"negative height", func(c *config.RenderConfig) { c.Height = -1 }},
		{"negative radius", func(c *config.RenderConfig) { c.WorldRadius = -5 }},
		{"nan radius", func(c *config.RenderConfig) { c.WorldRadius = math.NaN() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mod(&cfg)
			if _, err := NewRenderer(cfg); err == nil {
				t.Error("Expected error")
			}
		})
	}

	cfg := testConfig()
	cfg.Width = 0
	if _, err := NewRenderer(cfg); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Expected ErrInvalidSize, got %v", err)
	}
}

// TestEncodePNGSize checks the image matches the configured size and
// bodies are drawn over the background
func TestEncodePNGSize(t *testing.T) {
	r, err := NewRenderer(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := r.EncodePNG(&buf, ringSnapshot(1)); err != nil {
		t.Fatalf("EncodePNG: %v", err)
	}
	img, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 160 || b.Dy() != 90 {
		t.Fatalf("Expected 160x90, got %dx%d", b.Dx(), b.Dy())
	}

	nonBackground := 0
	for y := 0; y < 90; y++ {
		for x := 0; x < 160; x++ {
			if color.RGBAModel.Convert(img.At(x, y)) != background {
				nonBackground++
			}
		}
	}
	if nonBackground == 0 {
		t.Error("Expected bodies to be drawn")
	}
}

// TestRenderHandlesDegenerateInput must not panic on empty, coincident or
// non-finite input
func TestRenderHandlesDegenerateInput(t *testing.T) {
	cfg := testConfig()
	cfg.ShowHUD = false
	r, err := NewRenderer(cfg)
	if err != nil {
		t.Fatal(err)
	}

	snaps := []*sim.Snapshot{
		nil,
		{},
		{Bodies: []sim.BodySnapshot{{X: 5, Y: 5, Mass: 1}, {X: 5, Y: 5, Mass: 1}}},
		{Bodies: []sim.BodySnapshot{{X: math.NaN(), Y: 0, Mass: 1}, {X: math.Inf(1), Mass: 1}}},
		{Bodies: []sim.BodySnapshot{{X: 0, Y: 0, Mass: 0}}},
	}
	for _, s := range snaps {
		img := r.Render(s)
		if img.Bounds().Dx() != cfg.Width {
			t.Errorf("Unexpected width %d", img.Bounds().Dx())
		}
	}
}

// TestViewportFixedRadius maps the world circle onto the short side
func TestViewportFixedRadius(t *testing.T) {
	cfg := testConfig()
	cfg.WorldRadius = 45
	r, err := NewRenderer(cfg)
	if err != nil {
		t.Fatal(err)
	}

	vp := r.viewportFor(&sim.Snapshot{})
	if vp.scale != 1 {
		t.Fatalf("Expected scale 1, got %v", vp.scale)
	}
	x, y := vp.toScreen(0, 0)
	if x != 80 || y != 45 {
		t.Errorf("Origin should map to the image center, got (%v, %v)", x, y)
	}
	x, y = vp.toScreen(45, 45)
	if x != 125 || y != 90 {
		t.Errorf("Expected (125, 90), got (%v, %v)", x, y)
	}
}

// TestBodyRadius checks clamping
func TestBodyRadius(t *testing.T) {
	if r := bodyRadius(1, 1); r != 1.5 {
		t.Errorf("Expected 1.5 for mean mass, got %v", r)
	}
	if r := bodyRadius(1e12, 1); r != maxBodyRadius {
		t.Errorf("Expected clamp to %v, got %v", maxBodyRadius, r)
	}
	if r := bodyRadius(1e-12, 1); r != minBodyRadius {
		t.Errorf("Expected clamp to %v, got %v", minBodyRadius, r)
	}
}

// TestFrameWriterSync writes numbered files
func TestFrameWriterSync(t *testing.T) {
	r, err := NewRenderer(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	fw, err := NewFrameWriter(t.TempDir(), r)
	if err != nil {
		t.Fatal(err)
	}

	path, err := fw.WriteFrame(ringSnapshot(7))
	if err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if path != fw.FramePath(7) {
		t.Errorf("Unexpected path %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := png.Decode(f); err != nil {
		t.Errorf("Frame is not a valid PNG: %v", err)
	}
}

// TestFrameWriterAsync flushes queued frames on Stop
func TestFrameWriterAsync(t *testing.T) {
	r, err := NewRenderer(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	fw, err := NewFrameWriter(t.TempDir(), r)
	if err != nil {
		t.Fatal(err)
	}

	if ok, _ := fw.Submit(ringSnapshot(1)); ok {
		t.Error("Submit before Start must not queue")
	}

	fw.Start()
	queued := 0
	for i := uint64(1); i <= 5; i++ {
		ok, err := fw.Submit(ringSnapshot(i))
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			queued++
		}
	}
	fw.Stop()

	if queued == 0 {
		t.Fatal("Expected at least one frame queued")
	}
	stats := fw.GetStats()
	if stats["files"].(uint64) != uint64(queued) {
		t.Errorf("Expected %d files, got %v", queued, stats["files"])
	}
	if _, err := os.Stat(fw.FramePath(1)); err != nil {
		t.Errorf("Expected first frame on disk: %v", err)
	}
}

// TestFrameRingBufferFull drops instead of overwriting
func TestFrameRingBufferFull(t *testing.T) {
	var rb FrameRingBuffer
	for i := 0; i < BufferSize-1; i++ {
		if !rb.TryWrite(uint64(i), []byte{byte(i)}) {
			t.Fatalf("Write %d should succeed", i)
		}
	}
	if rb.TryWrite(99, []byte{99}) {
		t.Error("Expected full buffer to drop")
	}
	if rb.Available() != BufferSize-1 {
		t.Errorf("Expected %d available, got %d", BufferSize-1, rb.Available())
	}

	var first encodedFrame
	rb.tryRead(func(f encodedFrame) { first = f })
	if first.frame != 0 || first.data[0] != 0 {
		t.Errorf("Expected FIFO order, got frame %d", first.frame)
	}
	_, dropped, read := rb.GetStats()
	if dropped != 1 || read != 1 {
		t.Errorf("Expected 1 dropped and 1 read, got %d and %d", dropped, read)
	}
}

func BenchmarkEncodePNG_1000(b *testing.B) {
	r, err := NewRenderer(config.DefaultRender())
	if err != nil {
		b.Fatal(err)
	}
	snap := &sim.Snapshot{}
	for i := 0; i < 1000; i++ {
		snap.Bodies = append(snap.Bodies, sim.BodySnapshot{X: float64(i % 37), Y: float64(i % 91), Mass: 1})
	}
	var buf bytes.Buffer
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf.Reset()
		r.EncodePNG(&buf, snap)
	}
}
