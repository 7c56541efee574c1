package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/org/accessgate/internal/api"
	"github.com/org/accessgate/internal/audit"
	"github.com/org/accessgate/internal/auth"
	"github.com/org/accessgate/internal/config"
	"github.com/org/accessgate/internal/credential"
	"github.com/org/accessgate/internal/crypto"
	"github.com/org/accessgate/internal/health"
	"github.com/org/accessgate/internal/notify"
	"github.com/org/accessgate/internal/policy"
	"github.com/org/accessgate/internal/provider"
	"github.com/org/accessgate/internal/provisioning"
	"github.com/org/accessgate/internal/queue"
	"github.com/org/accessgate/internal/state"
	"github.com/org/accessgate/internal/storage"
	"github.com/org/accessgate/internal/worker"
	"github.com/org/accessgate/pkg/models"
)

const sealerContext = "accessgate-credentials-v1"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfgFile := "config.yaml"
	if v := os.Getenv("ACCESSGATE_CONFIG"); v != "" {
		cfgFile = v
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Source == "" {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	setupLogging(cfg.Log)
	logger := log.Logger

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		store storage.StorageBackend
		q     queue.Queue
	)
	switch cfg.Database.Driver {
	case config.DriverMemory:
		log.Warn().Msg("using in-memory storage, state is lost on restart")
		store = storage.NewMemoryBackend()
		q = queue.NewMemoryQueue()
	default:
		pg, err := storage.NewPostgresBackend(ctx, cfg.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pg.Close()
		if err := storage.RunMigrations(cfg.Database.URL); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations applied")
		store = pg
		q = queue.NewPostgresQueue(pg.Pool())
	}

	sealer, err := newSealer(cfg.Credentials.MasterKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise credential encryption")
	}
	creds := credential.NewStore(store, sealer, cfg.Credentials.Retention, logger)

	prov, err := provider.New(cfg.Provider, creds, logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build provider")
	}

	auditor := audit.NewLogger(store, logger)
	machine := state.NewMachine(store, auditor, logger)
	notifier := notify.New(cfg.Notify, logger)
	svc := provisioning.NewService(store, q, machine, notifier, auditor, cfg.Queue.MaxAttempts, logger)

	backoff, err := queue.NewBackoff(cfg.Queue.Backoff)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid backoff schedule")
	}
	pool := worker.NewPool(q, worker.Config{
		Workers:      cfg.Queue.Workers,
		Lease:        cfg.Queue.Lease,
		JobTimeout:   cfg.Queue.JobTimeout,
		PollInterval: cfg.Queue.PollInterval,
		ReapInterval: cfg.Queue.ReapInterval,
		Backoff:      backoff,
	}, logger)
	processor := provisioning.NewProcessor(store, machine, prov, creds, notifier, auditor, logger)
	pool.Register(models.JobGrant, processor)
	pool.Register(models.JobRevoke, processor)
	pool.Register(models.JobBulkAutoGrant, provisioning.NewBulkHandler(svc, cfg.Bulk.Delay, logger))
	svc.SetWaker(pool)

	checker := health.NewChecker(store, machine, prov, creds, notifier, cfg.Health, logger)

	keys := cfg.Keys()
	if len(keys) == 0 {
		plaintext, digest, err := auth.GenerateKey()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to generate admin key")
		}
		keys = append(keys, models.APIKey{Name: "bootstrap", KeyHash: digest, Policies: []string{policy.RootPolicy}})
		log.Warn().Str("key", plaintext).Msg("no api_keys configured, generated an ephemeral root key for this process")
	}

	ring := auth.NewKeyRing(keys)
	log.Info().Int("api_keys", ring.Len()).Int("policies", len(cfg.Policies)).Msg("admin api keys loaded")

	srv := api.NewServer(api.Config{
		ListenAddr:  cfg.Server.Addr,
		TLSCertFile: cfg.Server.TLSCertFile,
		TLSKeyFile:  cfg.Server.TLSKeyFile,
		RateLimit:   cfg.Server.RateLimit,
		RateBurst:   cfg.Server.RateBurst,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, api.Deps{
		Store:       store,
		Service:     svc,
		Machine:     machine,
		Credentials: creds,
		Health:      checker,
		Validate: func(ctx context.Context, cred *models.Credential) provider.Result {
			return provider.ValidateCredential(ctx, cfg.Provider, cred, cfg.Health.ReferenceUsername, logger)
		},
		Audit:  auditor,
		Keys:   ring,
		Policy: policy.NewEngine(cfg.Policies),
		Logger: logger,
	})

	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil {
			log.Error().Err(err).Msg("worker pool stopped")
		}
	}()
	checker.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.Server.Addr).Str("provider", cfg.Provider.Type).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	checker.Stop()
	cancel()
	<-poolDone
	log.Info().Msg("server stopped")
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if cfg.Format == "json" {
		out = os.Stderr
	}
	if cfg.File != "" {
		rl, err := rotatelogs.New(
			cfg.File+".%Y%m%d",
			rotatelogs.WithLinkName(cfg.File),
			rotatelogs.WithMaxAge(cfg.MaxAge),
			rotatelogs.WithRotationTime(cfg.RotationTime),
		)
		if err != nil {
			log.Fatal().Err(err).Str("file", cfg.File).Msg("failed to open log file")
		}
		out = zerolog.MultiLevelWriter(out, rl)
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

// newSealer uses the configured master key, or an ephemeral one. Credentials
// sealed with an ephemeral key are unreadable after a restart.
func newSealer(masterKey string) (*crypto.Sealer, error) {
	var (
		key []byte
		err error
	)
	if masterKey == "" {
		log.Warn().Msg("credentials.master_key not set, using an ephemeral key")
		key, err = crypto.GenerateKey()
	} else {
		key, err = crypto.DecodeMasterKey(masterKey)
	}
	if err != nil {
		return nil, err
	}
	return crypto.NewSealer(key, sealerContext)
}
