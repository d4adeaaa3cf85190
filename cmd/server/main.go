package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gravtree/internal/api"
	"gravtree/internal/config"
	"gravtree/internal/ipc"
	"gravtree/internal/render"
	"gravtree/internal/sim"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(".env"); err != nil {
		log.Println("💡 No .env file found, using environment variables only")
	} else {
		log.Println("✅ Loaded environment from .env")
	}

	log.Println("🪐 ================================")
	log.Println("🪐  GRAVTREE - BARNES-HUT SERVER")
	log.Println("🪐 ================================")

	appConfig := config.Load()
	serverCfg := appConfig.Server

	engine, err := newEngine(appConfig)
	if err != nil {
		log.Fatalf("❌ %v", err)
	}
	cfg := engine.Config()
	log.Printf("🪐 Config: %d bodies, theta %.2f, dt %g, G %g, %d TPS, seed %d",
		cfg.BodyCount, cfg.Theta, cfg.Dt, cfg.G, cfg.TickRate, engine.Seed())

	if appConfig.EventLog != "" {
		if err := engine.StartEventLog(appConfig.EventLog); err != nil {
			log.Printf("⚠️ Event log disabled: %v", err)
		} else {
			log.Printf("📝 Event log: %s", appConfig.EventLog)
		}
	}

	if os.Getenv("DISABLE_DEBUG_SERVER") != "true" {
		debugCfg := api.DefaultObservabilityConfig()
		debugCfg.ListenAddr = serverCfg.DebugAddr
		debugCfg.BasicAuthUser = os.Getenv("DEBUG_USER")
		debugCfg.BasicAuthPass = os.Getenv("DEBUG_PASS")
		if err := api.StartDebugServer(debugCfg); err != nil {
			log.Printf("⚠️ Debug server disabled: %v", err)
		}
	}

	var publisher *ipc.Publisher
	if appConfig.IPC {
		publisher = ipc.NewPublisher(os.Getenv("IPC_SOCKET"))
		publisher.SetConfig(ipc.ConfigMessage{
			BodyCount:     cfg.BodyCount,
			SpatialRadius: cfg.SpatialRadius,
			TickRate:      cfg.TickRate,
			Theta:         cfg.Theta,
		})
		if err := publisher.Start(); err != nil {
			log.Printf("⚠️ IPC publisher disabled: %v", err)
			publisher = nil
		}
	}

	engine.SetOnStep(func(stats sim.StepStats) {
		api.RecordStep(stats)
		if publisher != nil {
			publisher.PublishSnapshot(engine.GetSnapshot())
		}
	})

	renderer, err := render.NewRenderer(appConfig.Render)
	if err != nil {
		log.Printf("⚠️ Frame endpoint disabled: %v", err)
	}

	var frameRenderer api.FrameRenderer
	if renderer != nil {
		frameRenderer = renderer
	}
	server := api.NewServer(engine, frameRenderer, serverCfg)

	stopMetrics := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stopMetrics:
				return
			case <-ticker.C:
				api.UpdateEventLogStats(engine.EventLogCounts())
			}
		}
	}()

	engine.Start()

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("❌ Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	log.Println("✅ Server ready! Press Ctrl+C to stop.")
	<-quit

	log.Println("🛑 Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Printf("⚠️ HTTP shutdown: %v", err)
	}
	close(stopMetrics)
	engine.Close()
	if publisher != nil {
		publisher.Stop()
	}
	log.Println("👋 Goodbye!")
}

// newEngine builds from the scenario file when one is configured.
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
