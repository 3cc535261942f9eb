package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"argus/internal/api"
	"argus/internal/config"
	"argus/internal/controller"
	"argus/internal/events"
	"argus/internal/handlers"
	"argus/internal/hub"
	"argus/internal/journal"
	"argus/internal/notices"
	"argus/internal/notify"
)

const version = "1.0.0"

func main() {
	backendFlag := flag.String("backend", "", "Monitoring backend URL (overrides BACKEND_URL)")
	portFlag := flag.String("port", "", "Local listen port (overrides PORT)")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("argus v%s\n", version)
		os.Exit(0)
	}

	log.SetFlags(log.Ltime | log.Ldate)
	log.Printf("🚀 Argus v%s starting...", version)

	cfg := config.Load()
	if *backendFlag != "" {
		cfg.BackendURL = *backendFlag
	}
	if *portFlag != "" {
		cfg.Port = *portFlag
	}
	log.Printf("✓ Backend: %s", cfg.BackendURL)

	// Journal
	jrnl, err := journal.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("❌ Failed to open journal: %v", err)
	}
	defer jrnl.Close()
	log.Printf("✅ Journal connected (%s)", cfg.DBPath)

	stopRetention := jrnl.StartRetention(time.Hour, journal.DefaultRetention)
	defer stopRetention()

	// Event bus + notifications
	bus := events.NewBus()
	dispatcher := notify.NewDispatcher(notify.FromURLs(cfg.NotifyURLs), bus, nil)
	dispatcher.Start()
	defer dispatcher.Stop()
	if len(cfg.NotifyURLs) > 0 {
		log.Printf("✓ Notifications: %d destination(s)", len(cfg.NotifyURLs))
	}

	// Local fan-out
	broker := handlers.NewBroker()
	wsHub := hub.New()
	defer wsHub.CloseAll()

	// Reconciliation controller
	center := notices.NewCenter()
	ctrl := controller.New(controller.Options{
		BackendURL: cfg.BackendURL,
		Client:     api.New(cfg.BackendURL),
		Bus:        bus,
		Notices:    center,
		Journal:    jrnl,
		Sinks:      []controller.Sink{broker, wsHub},
	})
	defer ctrl.Close()

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	ctrl.Start(startCtx)
	startCancel()

	// Local API
	mux := http.NewServeMux()
	handlers.NewAPI(ctrl, center, jrnl, broker).RegisterRoutes(mux)
	handlers.NewReports(api.New(cfg.BackendURL), cfg.ExportDir).RegisterRoutes(mux)
	mux.HandleFunc("GET /api/ws", wsHub.HandleConnection)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("\n⏹️  Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️  Server shutdown: %v", err)
		}
	}()

	log.Printf("👁️  Argus listening on port %s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("❌ Server error: %v", err)
	}
	log.Println("👋 Argus stopped")
}
