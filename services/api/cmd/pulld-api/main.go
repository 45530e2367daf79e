package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"pulld/pkg/bus"
	"pulld/pkg/db"
	gos3 "pulld/pkg/s3"
	"pulld/pkg/telemetry"
	"pulld/services/api"
	"pulld/services/orchestrator"
)

func main() {
	if err := run("pulld-api"); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.Init(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	logger := tel.Logger()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
		}
	}()

	s3Client, err := gos3.NewClientFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("init s3 client: %w", err)
	}

	bucket, err := s3Client.Bucket(os.Getenv("S3_BUCKET"))
	if err != nil {
		return fmt.Errorf("init bucket: %w", err)
	}

	natsURL := strings.TrimSpace(os.Getenv("NATS_URL"))
	if natsURL == "" {
		return errors.New("NATS_URL is required")
	}
	b, err := bus.New(natsURL)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()

	store, pool, err := openStore(ctx, logger)
	if err != nil {
		return err
	}
	if pool != nil {
		defer pool.Close()
	}

	orch, err := orchestrator.New(store, bucket, b, logger, orchestrator.Config{
		WriteTTL: envSeconds("PULLD_WRITE_TTL_SECONDS", 0),
		ReadTTL:  envSeconds("PULLD_READ_TTL_SECONDS", 0),
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}
	if err := orch.Start(ctx, b); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	defer orch.Close()

	apiLayer, err := api.New(orch, logger)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	routes, err := apiLayer.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if pool != nil {
			if err := db.Ping(r.Context(), pool); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", routes)

	addr := os.Getenv("PULLD_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	server := &http.Server{
		Addr:    addr,
		Handler: tel.Middleware(mux),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: server shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO listening on %s", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("ERROR server failed: %v", err)
		return err
	}

	return nil
}

// openStore picks the record store backing: postgres when DATABASE_URL is
// set, in-memory otherwise.
func openStore(ctx context.Context, logger *log.Logger) (orchestrator.Store, *pgxpool.Pool, error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		logger.Printf("WARN DATABASE_URL not set, using in-memory transfer store")
		return orchestrator.NewMemoryStore(), nil, nil
	}

	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}

	orm, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("open orm: %w", err)
	}

	store, err := orchestrator.NewDBStore(pool, orm)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool, nil
}

func envSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
