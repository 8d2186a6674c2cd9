package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mixdeck/backend/internal/audio"
	"github.com/mixdeck/backend/internal/bus"
	"github.com/mixdeck/backend/internal/command"
	"github.com/mixdeck/backend/internal/config"
	"github.com/mixdeck/backend/internal/extlink"
	"github.com/mixdeck/backend/internal/logger"
	"github.com/mixdeck/backend/internal/monitor"
	"github.com/mixdeck/backend/internal/session"
)

func main() {
	mockMode := flag.Bool("mock", false, "Use simulated audio sessions instead of the OS audio API")
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override extension link port")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	logg, err := logger.New(*verbose)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logg.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logg.Fatalw("failed to load config", "path", *configPath, "error", err)
	}
	if *port > 0 {
		cfg.Server.ExtPort = *port
	}

	registry := session.NewRegistry()
	events := bus.New(logg.Named("bus"), cfg.Bus.SubscriberBuffer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var facade audio.Facade
	if *mockMode {
		logg.Info("starting in mock mode (simulated audio sessions)")
		sim := audio.NewSimulator(true)
		demo := audio.NewDemo(sim)
		demo.Seed()
		go demo.Run(ctx)
		facade = sim
	} else {
		facade, err = audio.NewPlatformFacade(logg.Named("audio"))
		if err != nil {
			logg.Fatalw("audio platform unavailable", "error", err)
		}
	}

	mon := monitor.New(logg.Named("monitor"), facade, registry, events, cfg.Monitor.CallbackBuffer)
	link := extlink.NewServer(logg.Named("extlink"), events, cfg.Server.ExtHost, cfg.Server.ExtPort, cfg.Link.SendQueue)
	commands := command.New(logg.Named("command"), registry, facade, link)

	monErr := make(chan error, 1)
	go func() {
		monErr <- mon.Run(ctx)
	}()

	linkErr := make(chan error, 1)
	go func() {
		linkErr <- link.Run(ctx)
	}()

	// The UI bridge attaches to `commands` and an event subscription.
	// Until one is wired in, mirror the surface into the log so the
	// engine is observable standalone.
	go logEvents(ctx, logg.Named("events"), events)

	go func() {
		<-mon.Ready()
		logg.Infow("initial enumeration complete", "sessions", len(commands.GetSessionsAndVolumes()))
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logg.Info("shutting down")
		cancel()
		<-monErr
		<-linkErr
	case err := <-monErr:
		if err != nil {
			logg.Fatalw("audio monitor failed", "error", err)
		}
	case err := <-linkErr:
		if err != nil {
			logg.Fatalw("extension link failed", "error", err)
		}
	}
}

func logEvents(ctx context.Context, logg *zap.SugaredLogger, events *bus.Bus) {
	sub := events.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			logg.Debugw("event", "name", ev.Name, "payload", ev.Payload)
		}
	}
}
