package internal

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgellow/fedlogin/internal/config"
	"github.com/dgellow/fedlogin/internal/crypto"
	"github.com/dgellow/fedlogin/internal/firebase"
	"github.com/dgellow/fedlogin/internal/idp"
	"github.com/dgellow/fedlogin/internal/log"
	"github.com/dgellow/fedlogin/internal/login"
	"github.com/dgellow/fedlogin/internal/metrics"
	"github.com/dgellow/fedlogin/internal/server"
	"github.com/dgellow/fedlogin/internal/storage"
)

// csrfTTL bounds how long a popup page may take to post its credential
const csrfTTL = 10 * time.Minute

// FedLogin represents the complete login service
type FedLogin struct {
	config     config.Config
	httpServer *server.HTTPServer
	cleanup    *storage.CleanupManager
	closers    []io.Closer
}

// NewFedLogin creates the login service with all dependencies built
func NewFedLogin(ctx context.Context, cfg config.Config) (*FedLogin, error) {
	log.LogInfoWithFields("fedlogin", "Building login service", map[string]any{
		"baseURL":  cfg.Server.BaseURL,
		"provider": cfg.Provider.Type,
		"storage":  cfg.Storage.Kind,
	})

	provider, err := idp.NewProvider(ctx, cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to setup identity provider: %w", err)
	}

	store, healthChecks, closers, err := setupStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}

	recorder := metrics.NewRecorder()

	federation := login.FederatorConfig{
		SessionTTL:           cfg.Login.SessionTTL,
		RequireVerifiedEmail: cfg.Login.RequireVerifiedEmail,
		AllowedDomains:       cfg.Login.AllowedDomains,
	}
	if cfg.Firebase.Enabled {
		linker, err := firebase.NewLinker(ctx, firebase.Config{
			APIKey:     string(cfg.Firebase.APIKey),
			RequestURI: cfg.Provider.RedirectURI,
			Endpoint:   cfg.Firebase.Endpoint,
		})
		if err != nil {
			closeAll(closers)
			return nil, fmt.Errorf("failed to setup firebase linker: %w", err)
		}
		federation.Linker = linker
		federation.LinkRequired = cfg.Firebase.Required
		log.LogInfoWithFields("fedlogin", "Firebase linking enabled", map[string]any{
			"required": cfg.Firebase.Required,
		})
	}

	flow := login.NewFlow(login.Stores{Pending: store, Users: store, Sessions: store}, provider, login.Config{
		PendingTTL:     cfg.Login.PendingTTL,
		IdentitySource: cfg.Provider.IdentitySource,
		Federation:     federation,
		Metrics:        recorder,
	})

	csrfKey, err := setupCSRFKey(cfg.Server.CSRFKey)
	if err != nil {
		closeAll(closers)
		return nil, err
	}

	handler := server.NewHandler(server.Options{
		Flow:         flow,
		ClientID:     cfg.Provider.ClientID,
		CSRF:         crypto.NewCSRFProtection(csrfKey, csrfTTL),
		Metrics:      recorder,
		HealthChecks: healthChecks,
	})

	var cleanup *storage.CleanupManager
	if cfg.Login.CleanupInterval > 0 {
		cleanup = storage.NewCleanupManager(store, cfg.Login.CleanupInterval,
			storage.WithSweepHook(func(r storage.SweepResult) {
				recorder.RecordsSwept("pending", r.Pending)
				recorder.RecordsSwept("session", r.Sessions)
			}))
	}

	return &FedLogin{
		config:     cfg,
		httpServer: server.NewHTTPServer(handler, cfg.Server.Addr),
		cleanup:    cleanup,
		closers:    closers,
	}, nil
}

// Run starts and manages the service lifecycle until a signal or server error
func (f *FedLogin) Run() error {
	log.LogInfoWithFields("fedlogin", "Starting login service", map[string]any{
		"addr": f.config.Server.Addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		if err := f.httpServer.Start(); err != nil {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if f.cleanup != nil {
		f.cleanup.Start(ctx)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var shutdownReason string
	select {
	case sig := <-sigChan:
		shutdownReason = fmt.Sprintf("signal %v", sig)
		log.LogInfoWithFields("fedlogin", "Received shutdown signal", map[string]any{
			"signal": sig.String(),
		})
	case err := <-errChan:
		shutdownReason = fmt.Sprintf("error: %v", err)
		log.LogErrorWithFields("fedlogin", "Shutting down due to error", map[string]any{
			"error": err.Error(),
		})
	}

	log.LogInfoWithFields("fedlogin", "Starting graceful shutdown", map[string]any{
		"reason":  shutdownReason,
		"timeout": "30s",
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting callbacks before the stores go away
	err := f.httpServer.Stop(shutdownCtx)
	if err != nil {
		log.LogErrorWithFields("fedlogin", "HTTP server shutdown error", map[string]any{
			"error": err.Error(),
		})
	}

	if f.cleanup != nil {
		f.cleanup.Stop()
	}
	closeAll(f.closers)

	log.LogInfoWithFields("fedlogin", "Service shutdown complete", map[string]any{
		"reason": shutdownReason,
	})
	return err
}

// setupStorage creates the configured backends. Pending authorizations go to
// redis when configured; users and sessions then live in Firestore when a
// project is set and in memory otherwise.
func setupStorage(ctx context.Context, cfg config.StorageConfig) (storage.Storage, map[string]server.Pinger, []io.Closer, error) {
	prefix := cfg.FirestorePrefix
	if prefix == "" {
		prefix = config.DefaultFirestorePrefix
	}

	switch cfg.Kind {
	case config.StorageKindFirestore:
		log.LogInfoWithFields("storage", "Using Firestore storage", map[string]any{
			"project":  cfg.GCPProject,
			"database": cfg.FirestoreDatabase,
			"prefix":   prefix,
		})
		fs, err := storage.NewFirestoreStorage(ctx, cfg.GCPProject, cfg.FirestoreDatabase, prefix)
		if err != nil {
			return nil, nil, nil, err
		}
		return fs, nil, []io.Closer{fs}, nil

	case config.StorageKindRedis:
		if cfg.Redis == nil {
			return nil, nil, nil, fmt.Errorf("redis storage requires a redis section")
		}
		pending, err := storage.NewRedisPendingStore(ctx, storage.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  string(cfg.Redis.Password),
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		checks := map[string]server.Pinger{"redis": pending}
		closers := []io.Closer{pending}

		if !cfg.UsesFirestore() {
			log.LogWarnWithFields("storage", "Pending authorizations in redis, users and sessions in memory", map[string]any{
				"addr": cfg.Redis.Addr,
			})
			memory := storage.NewMemoryStorage()
			return storage.Combine(pending, memory, memory), checks, closers, nil
		}

		log.LogInfoWithFields("storage", "Using redis for pending authorizations and Firestore for users", map[string]any{
			"addr":    cfg.Redis.Addr,
			"project": cfg.GCPProject,
			"prefix":  prefix,
		})
		fs, err := storage.NewFirestoreStorage(ctx, cfg.GCPProject, cfg.FirestoreDatabase, prefix)
		if err != nil {
			closeAll(closers)
			return nil, nil, nil, err
		}
		return storage.Combine(pending, fs, fs), checks, append(closers, fs), nil

	default:
		log.LogInfoWithFields("storage", "Using in-memory storage", map[string]any{})
		return storage.NewMemoryStorage(), nil, nil, nil
	}
}

// setupCSRFKey returns the configured key or a random one for this process
func setupCSRFKey(configured config.Secret) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	token, err := crypto.GenerateSecureToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate CSRF key: %w", err)
	}
	log.LogWarnWithFields("fedlogin", "No CSRF key configured, using a random per-process key", nil)
	return []byte(token), nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.LogWarnWithFields("fedlogin", "Failed to close backend", map[string]any{
				"error": err.Error(),
			})
		}
	}
}
