package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"sceneforge.dev/internal/api"
	"sceneforge.dev/internal/auth"
	"sceneforge.dev/internal/bus"
	"sceneforge.dev/internal/journal"
	"sceneforge.dev/internal/metrics"
	"sceneforge.dev/internal/middleware"
	"sceneforge.dev/internal/presence"
	presencevalkey "sceneforge.dev/internal/presence/valkey"
	"sceneforge.dev/internal/scene"
	"sceneforge.dev/internal/store/sqlite"
	"sceneforge.dev/internal/throttle"
	"sceneforge.dev/internal/transport"
	"sceneforge.dev/internal/transport/stream"
	"sceneforge.dev/internal/transport/ws"
)

const presenceSweepEvery = 60 * time.Second

// presenceMaxInactive is how long a silent connection survives before the
// sweep reclaims it.
const presenceMaxInactive = 5 * time.Minute

type envConfig struct {
	JWTSecret  string `env:"SF_JWT_SECRET"`
	ValkeyAddr string `env:"SF_VALKEY_ADDR"`
}

func main() {
	var (
		addr         = flag.String("addr", ":8080", "http listen address")
		dataDir      = flag.String("data", "./data", "runtime data directory")
		dbPath       = flag.String("db", "", "sqlite database path (default: <data>/scenes.db)")
		throttlePath = flag.String("throttle", "./configs/throttle.yaml", "throttle config path (compiled defaults if missing)")
		schemaPath   = flag.String("delta_schema", "./schemas/delta.schema.json", "delta batch JSON schema (validation skipped if missing)")
		presenceMode = flag.String("presence", "memory", "presence store backend: memory or valkey")
		seedScene    = flag.String("seed_scene", "", "create this scene id at startup if absent (dev convenience)")
		disableLog   = flag.Bool("disable_journal", false, "disable the event journal")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	_ = godotenv.Load()
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		logger.Fatalf("parse env: %v", err)
	}
	if cfg.JWTSecret == "" {
		logger.Fatalf("SF_JWT_SECRET is required")
	}

	dp := strings.TrimSpace(*dbPath)
	if dp == "" {
		dp = filepath.Join(*dataDir, "scenes.db")
	}
	store, err := sqlite.Open(dp)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if *seedScene != "" {
		if _, err := store.GetScene(context.Background(), *seedScene); err != nil {
			if err := store.CreateScene(context.Background(), scene.Scene{ID: *seedScene, Name: *seedScene}); err != nil {
				logger.Fatalf("seed scene: %v", err)
			}
			logger.Printf("seeded scene %s", *seedScene)
		}
	}

	throttleCfg := throttle.DefaultConfig()
	if _, err := os.Stat(*throttlePath); err == nil {
		throttleCfg, err = throttle.LoadConfig(*throttlePath)
		if err != nil {
			logger.Fatalf("load throttle config: %v", err)
		}
	}

	var deltaSchema *jsonschema.Schema
	if _, err := os.Stat(*schemaPath); err == nil {
		deltaSchema, err = jsonschema.Compile(*schemaPath)
		if err != nil {
			logger.Fatalf("compile delta schema: %v", err)
		}
	} else {
		logger.Printf("delta schema %s not found; request validation disabled", *schemaPath)
	}

	counters := &metrics.Counters{}

	var jnl *journal.Journal
	var busJournal bus.Journal
	if !*disableLog {
		jnl = journal.New(filepath.Join(*dataDir, "events"))
		defer jnl.Close()
		busJournal = jnl
	}

	eventBus := bus.New(log.New(os.Stdout, "[bus] ", log.LstdFlags|log.Lmicroseconds), counters, busJournal)

	var presenceStore presence.Store
	switch *presenceMode {
	case "memory":
		presenceStore = presence.NewMemoryStore()
	case "valkey":
		if cfg.ValkeyAddr == "" {
			logger.Fatalf("-presence=valkey needs SF_VALKEY_ADDR")
		}
		vs, err := presencevalkey.Open(cfg.ValkeyAddr)
		if err != nil {
			logger.Fatalf("open valkey presence store: %v", err)
		}
		defer vs.Close()
		presenceStore = vs
	default:
		logger.Fatalf("unknown presence backend %q", *presenceMode)
	}

	engine := scene.NewEngine(store)
	governor := throttle.NewGovernor(throttleCfg, log.New(os.Stdout, "[throttle] ", log.LstdFlags|log.Lmicroseconds), counters)
	verifier := auth.NewHMACVerifier([]byte(cfg.JWTSecret))
	access := auth.AllowAll{}

	gateway := ws.NewGateway(engine, eventBus, presenceStore, governor, verifier, access, counters,
		log.New(os.Stdout, "[ws] ", log.LstdFlags|log.Lmicroseconds))
	streamSrv := stream.NewServer(engine, eventBus, presenceStore, verifier, access, counters,
		log.New(os.Stdout, "[stream] ", log.LstdFlags|log.Lmicroseconds))

	handler := &api.Handler{
		Engine:      engine,
		Bus:         eventBus,
		Verifier:    verifier,
		Access:      access,
		Metrics:     counters,
		DeltaSchema: deltaSchema,
		Log:         logger,
	}

	r := mux.NewRouter()
	api.RegisterRoutes(r, handler)
	r.HandleFunc("/scenes/{sceneId}/events", streamSrv.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/ws", gateway.Handler())
	r.HandleFunc("/metrics", counters.Handler()).Methods(http.MethodGet)
	r.PathPrefix("/debug/pprof/").HandlerFunc(pprof.Index)

	srv := &http.Server{
		Addr:    *addr,
		Handler: middleware.CORS(r),
	}

	done := make(chan struct{})
	go streamSrv.RunSweeper(done)
	go runPresenceSweep(done, presenceStore, governor, eventBus, logger)

	go func() {
		logger.Printf("listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Printf("shutting down")
	close(done)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// runPresenceSweep reclaims presence entries for ungracefully closed
// connections and prunes the throttle state of users with no presence left.
func runPresenceSweep(done <-chan struct{}, store presence.Store, gov *throttle.Governor, b *bus.Bus, logger *log.Logger) {
	ticker := time.NewTicker(presenceSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			removed, err := store.Sweep(context.Background(), presenceMaxInactive)
			if err != nil {
				logger.Printf("presence sweep: %v", err)
				continue
			}
			scenes := make(map[string]bool)
			for _, rm := range removed {
				scenes[rm.SceneID] = true
			}
			for sceneID := range scenes {
				transport.PublishPresence(context.Background(), b, store, sceneID, logger)
			}

			// Prune against the full presence set rather than the sweep's
			// removals: users who disconnected gracefully leave no removal
			// but still hold throttle state.
			active, err := store.ActiveUsers(context.Background())
			if err != nil {
				logger.Printf("presence active users: %v", err)
				continue
			}
			gov.Prune(active)
		}
	}
}
