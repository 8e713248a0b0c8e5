package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fabriclab/internal/config"
	"fabriclab/internal/handler"
	"fabriclab/internal/hub"
	"fabriclab/internal/repository/sqlite"
	"fabriclab/internal/service"
	"fabriclab/internal/supervisor"
	"fabriclab/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "config file path (default: auto-discover)")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting fabriclab server...")

	var (
		cfg     *config.Config
		cfgFile string
		err     error
	)
	if *configPath != "" {
		cfg, cfgFile, err = config.LoadFromPath(*configPath)
	} else {
		cfg, cfgFile, err = config.Load()
	}
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfgFile != "" {
		log.Printf("Config loaded from %s", cfgFile)
	} else {
		log.Println("No config file found, using defaults")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}

	// Run history and topology snapshots
	repo, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer repo.Close()
	log.Printf("Database opened: %s", cfg.Database.Path)

	// Event bus feeding the SSE hub
	eventBus := service.NewEventBus()
	sseHub := hub.New()
	go sseHub.Run()

	eventChan := make(chan service.Event, 100)
	eventBus.Subscribe(eventChan)
	go func() {
		for event := range eventChan {
			sseHub.Broadcast(event)
		}
	}()

	sup := supervisor.New(supervisor.Options{
		SimulatorBinary: cfg.Simulator.Binary,
		ManagerBinary:   cfg.Manager.Binary,
		ShimPath:        cfg.Manager.ShimPath,
		GracePeriod:     cfg.Manager.GracePeriod.Duration(),
		KillWait:        cfg.Manager.KillWait.Duration(),
		StartupSettle:   cfg.Simulator.StartupSettle.Duration(),
	})

	svc := service.New(cfg.NetFilePath(), cfg.ManagerConfPath(), sup, repo, eventBus)
	if err := svc.Load(); err != nil {
		// Keep serving: the operator can fix the file and it will be
		// picked up by the watcher.
		log.Printf("Failed to load topology file: %v", err)
	}

	// Reload when something outside this process rewrites the net file.
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	w := watcher.New(cfg.NetFilePath(), func() {
		if err := svc.Load(); err != nil {
			log.Printf("Failed to reload topology file: %v", err)
		}
	})
	go func() {
		if err := w.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
			log.Printf("Topology watcher stopped: %v", err)
		}
	}()

	h := handler.New(svc, sup)
	mux := http.NewServeMux()
	h.Routes(mux, sseHub)

	finalHandler := handler.Chain(mux,
		handler.Recover,
		handler.CORS,
		handler.Logger,
	)

	server := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     finalHandler,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: SSE streams stay open indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Server listening on %s", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	watchCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if err := svc.Shutdown(ctx); err != nil {
		log.Printf("Process shutdown error: %v", err)
	}

	log.Println("Server stopped")
}
