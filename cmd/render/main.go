// =============================================================================
// GRAVTREE - FRAME RENDERER
// =============================================================================
// Writes simulation snapshots as numbered PNG files.
//
// Local mode runs its own engine for a fixed number of steps:
//
//	go run ./cmd/render --frames 600 --out frames
//
// IPC mode follows a running server (IPC_ENABLED=true) until Ctrl+C:
//
//	go run ./cmd/render --ipc --socket /tmp/gravtree.sock
//
// =============================================================================
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gravtree/internal/config"
	"gravtree/internal/ipc"
	"gravtree/internal/render"
	"gravtree/internal/sim"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
)

type options struct {
	frames   int
	every    int
	useIPC   bool
	socket   string
	scenario string
	seed     int64
	poll     time.Duration
}

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("💡 No .env file found, using environment variables only")
	}

	appConfig := config.Load()
	renderCfg := appConfig.Render

	var opts options
	flag.IntVarP(&opts.frames, "frames", "n", 300, "number of steps to simulate in local mode")
	flag.IntVar(&opts.every, "every", 1, "write one frame every N steps")
	flag.StringVarP(&renderCfg.OutputDir, "out", "o", renderCfg.OutputDir, "output directory for PNG frames")
	flag.IntVar(&renderCfg.Width, "width", renderCfg.Width, "image width in pixels")
	flag.IntVar(&renderCfg.Height, "height", renderCfg.Height, "image height in pixels")
	flag.Float64Var(&renderCfg.WorldRadius, "radius", renderCfg.WorldRadius, "fixed world radius shown (0 = auto-fit)")
	flag.BoolVar(&renderCfg.ShowHUD, "hud", renderCfg.ShowHUD, "draw the statistics overlay")
	flag.BoolVar(&opts.useIPC, "ipc", false, "render snapshots published by a running server")
	flag.StringVar(&opts.socket, "socket", os.Getenv("IPC_SOCKET"), "IPC socket path")
	flag.StringVar(&opts.scenario, "scenario", appConfig.Scenario, "YAML scenario file for local mode")
	flag.Int64Var(&opts.seed, "seed", appConfig.Sim.Seed, "random seed for local mode")
	flag.DurationVar(&opts.poll, "poll", 50*time.Millisecond, "snapshot poll interval in IPC mode")
	flag.Parse()

	if opts.every < 1 {
		opts.every = 1
	}

	renderer, err := render.NewRenderer(renderCfg)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	writer, err := render.NewFrameWriter(renderCfg.OutputDir, renderer)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}

	log.Printf("🖼️ Rendering %dx%d to %s", renderCfg.Width, renderCfg.Height, renderCfg.OutputDir)

	if opts.useIPC {
		runIPC(writer, opts)
		return
	}
	appConfig.Sim.Seed = opts.seed
	appConfig.Scenario = opts.scenario
	if err := runLocal(writer, appConfig, opts); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

// runLocal steps a private engine and writes frames synchronously.
func runLocal(writer *render.FrameWriter, appConfig config.AppConfig, opts options) error {
	engine, err := newEngine(appConfig)
	if err != nil {
		return err
	}
	defer engine.Close()

	source := render.NewLocalEngineSource(engine)
	ctx := context.Background()
	start := time.Now()
	written := 0

	if _, err := writer.WriteFrame(source.GetSnapshot()); err != nil {
		return err
	}
	written++

	for i := 1; i <= opts.frames; i++ {
		if _, err := engine.Step(ctx); err != nil {
			return err
		}
		if i%opts.every != 0 {
			continue
		}
		if _, err := writer.WriteFrame(source.GetSnapshot()); err != nil {
			return err
		}
		written++
	}

	log.Printf("✅ Wrote %d frames in %v (%d recoveries)",
		written, time.Since(start).Round(time.Millisecond), engine.TotalRecoveries())
	return nil
}

// runIPC writes every new snapshot from the server until interrupted.
func runIPC(writer *render.FrameWriter, opts options) {
	subscriber := ipc.NewSubscriber(opts.socket)
	source := render.NewIPCSnapshotSource(subscriber)
	subscriber.OnConfig(func(cfg *ipc.ConfigMessage) {
		log.Printf("📋 Server config: %d bodies, radius %.0f, %d TPS, theta %.2f",
			cfg.BodyCount, cfg.SpatialRadius, cfg.TickRate, cfg.Theta)
	})
	subscriber.OnDisconnect(func() {
		log.Println("⚠️ Lost connection to server, reconnecting...")
	})

	if err := subscriber.Start(); err != nil {
		log.Fatalf("❌ Failed to start IPC subscriber: %v", err)
	}
	if subscriber.WaitForConfig(30*time.Second) == nil {
		log.Println("⚠️ No config from server yet, waiting for snapshots anyway")
	}

	writer.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(opts.poll)
	defer ticker.Stop()

	var lastFrame uint64
	seen := 0
	for {
		select {
		case <-quit:
			log.Println("🛑 Shutting down...")
			writer.Stop()
			subscriber.Stop()
			received, reconnects, errs := subscriber.GetStats()
			log.Printf("📊 IPC: %d received, %d reconnects, %d errors", received, reconnects, errs)
			return
		case <-ticker.C:
			snap := source.GetSnapshot()
			if snap == nil || (seen > 0 && snap.Frame == lastFrame) {
				continue
			}
			lastFrame = snap.Frame
			seen++
			if seen%opts.every != 0 {
				continue
			}
			if _, err := writer.Submit(snap); err != nil {
				log.Printf("⚠️ Render failed: %v", err)
			}
		}
	}
}

func newEngine(appConfig config.AppConfig) (*sim.Engine, error) {
	if appConfig.Scenario == "" {
		return sim.NewEngine(appConfig.Sim)
	}
	sc, err := config.LoadScenario(appConfig.Scenario, appConfig.Sim)
	if err != nil {
		return nil, err
	}
	log.Printf("📜 Scenario %q: %s", sc.Name, sc.Description)
	return sim.NewEngineFromScenario(sc)
}
