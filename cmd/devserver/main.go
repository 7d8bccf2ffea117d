package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/tendant/meal-snap/internal/devapi"
	"github.com/tendant/meal-snap/internal/logging"
	"github.com/tendant/meal-snap/pkg/mealupload/config"
)

// Config is read from the environment.
type Config struct {
	Port           string        `env:"PORT" env-default:"8080"`
	PublicURL      string        `env:"PUBLIC_URL" env-description:"Base URL clients use to reach this server"`
	SigningSecret  string        `env:"SIGNING_SECRET" env-default:"dev-secret-change-me"`
	IdentityHeader string        `env:"IDENTITY_HEADER" env-default:"X-User-Id"`
	SlotTTL        time.Duration `env:"SLOT_TTL" env-default:"5m"`
	MaxUploadSize  int64         `env:"MAX_UPLOAD_SIZE" env-default:"10485760"`
	FreeLimit      int           `env:"FREE_LIMIT" env-default:"5"`
	Window         time.Duration `env:"QUOTA_WINDOW" env-default:"168h"`
	ProUsers       []string      `env:"PRO_USERS" env-separator:","`

	StorageBackend string `env:"STORAGE_BACKEND" env-default:"memory"`
	S3             struct {
		Bucket          string `env:"S3_BUCKET"`
		Region          string `env:"S3_REGION" env-default:"us-east-1"`
		Endpoint        string `env:"S3_ENDPOINT"`
		AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
		SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
		UsePathStyle    bool   `env:"S3_USE_PATH_STYLE"`
	}

	LogLevel  string `env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"LOG_FORMAT" env-default:"text"`
}

func main() {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read configuration: %v\n", err)
		os.Exit(1)
	}
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stderr, level, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("Server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost:" + cfg.Port
	}

	store, err := newBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	ledger := devapi.NewLedger(
		devapi.WithFreeLimit(cfg.FreeLimit),
		devapi.WithWindow(cfg.Window),
		devapi.WithProUsers(cfg.ProUsers...),
	)
	api := devapi.New(store, ledger,
		devapi.WithIdentityHeader(cfg.IdentityHeader),
		devapi.WithSlotTTL(cfg.SlotTTL),
		devapi.WithMaxUploadSize(cfg.MaxUploadSize),
		devapi.WithLogger(logger),
	)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Mount("/", api.Routes())

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Meal Snap dev server starting", "port", cfg.Port, "storage", cfg.StorageBackend,
			"free_limit", cfg.FreeLimit, "pro_users", len(cfg.ProUsers))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("Server exiting")
	return nil
}

func newBlobStore(ctx context.Context, cfg Config) (devapi.BlobStore, error) {
	switch cfg.StorageBackend {
	case "memory":
		return devapi.NewMemoryStore(cfg.PublicURL, devapi.NewSigner(cfg.SigningSecret)), nil
	case "s3":
		return devapi.NewS3Store(ctx, devapi.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}
