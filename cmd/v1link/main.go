package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/v1link/internal/api"
	"github.com/banshee-data/v1link/internal/config"
	"github.com/banshee-data/v1link/internal/db"
	"github.com/banshee-data/v1link/internal/link"
	"github.com/banshee-data/v1link/internal/monitoring"
	"github.com/banshee-data/v1link/internal/session"
	"github.com/banshee-data/v1link/internal/state"
	"github.com/banshee-data/v1link/internal/timeutil"
	"github.com/banshee-data/v1link/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a JSON config file (defaults apply when empty)")
	transport   = flag.String("transport", "", "Link transport: ble, serial, sim or disabled (overrides config)")
	port        = flag.String("port", "", "Serial port for the serial transport (overrides config)")
	listen      = flag.String("listen", "", "Listen address (overrides config)")
	dbPath      = flag.String("db", "", "Event log database path (overrides config); \"none\" disables the event log")
	devMode     = flag.Bool("dev", false, "Run against the built-in detector simulator")
	debugMode   = flag.Bool("debug", false, "Log per-frame debug output")
	disableLink = flag.Bool("disable-link", false, "Serve the API and event log without talking to a detector")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags]\n       %s migrate <action> [args]\n\nFlags:\n", os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.EmptyConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			return nil, err
		}
	}

	set := func(dst **string, v string) {
		if v != "" {
			*dst = &v
		}
	}
	set(&cfg.Transport, *transport)
	set(&cfg.SerialPort, *port)
	set(&cfg.Listen, *listen)
	set(&cfg.DBPath, *dbPath)
	if *devMode {
		set(&cfg.Transport, config.TransportSim)
	}
	if *disableLink {
		set(&cfg.Transport, config.TransportDisabled)
	}
	if *debugMode {
		on := true
		cfg.Debug = &on
	}
	return cfg, cfg.Validate()
}

func main() {
	flag.Usage = usage

	// The migrate subcommand runs before flag parsing so its own arguments
	// pass through untouched.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		path := config.EmptyConfig().GetDBPath()
		if env := os.Getenv("V1LINK_DB"); env != "" {
			path = env
		}
		if err := db.RunMigrateCommand(os.Args[2:], path, os.Stdout); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		return
	}

	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	monitoring.SetDebug(cfg.GetDebug())
	log.Printf("starting %s", version.String())

	tr, err := cfg.NewTransport()
	if err != nil {
		log.Fatalf("transport: %v", err)
	}

	store := state.NewStore()
	frames := link.NewFrameMux()
	defer frames.Close()

	opts := cfg.SessionOptions()
	opts.Transport = tr
	opts.Sink = store
	opts.OnFrame = frames.Publish

	var database *db.DB
	if path := cfg.GetDBPath(); path != "none" {
		database, err = db.NewDB(path)
		if err != nil {
			log.Fatalf("failed to open event log: %v", err)
		}
		defer database.Close()

		recorder := db.NewRecorder(database, store, timeutil.RealClock{})
		defer recorder.Close()
		opts.Sink = recorder
		opts.Observer = recorder
	} else {
		log.Print("event log disabled")
	}

	manager := session.NewManager(opts)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// session engine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("session manager stopped: %v", err)
		}
		log.Print("session routine terminated")
	}()

	// HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(manager, store, database, cfg.GetUnits(), cfg.GetTimezone()).ServeMux()
		frames.AttachAdminRoutes(mux, manager.Send)
		if database != nil {
			if err := database.AttachAdminRoutes(mux); err != nil {
				log.Printf("failed to attach db admin routes: %v", err)
			}
		}

		server := &http.Server{
			Addr:              cfg.GetListen(),
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Printf("listening on %s (transport %s)", server.Addr, tr.Name())
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
