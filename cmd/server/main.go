package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/sharecrypt/internal/api"
	"github.com/kenneth/sharecrypt/internal/audit"
	"github.com/kenneth/sharecrypt/internal/cache"
	"github.com/kenneth/sharecrypt/internal/config"
	"github.com/kenneth/sharecrypt/internal/crypto"
	"github.com/kenneth/sharecrypt/internal/keystore"
	"github.com/kenneth/sharecrypt/internal/metrics"
	"github.com/kenneth/sharecrypt/internal/middleware"
	"github.com/kenneth/sharecrypt/internal/storage"
	"github.com/kenneth/sharecrypt/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	applyLogLevel(logger, cfg.LogLevel)

	logger.WithFields(logrus.Fields{
		"version":     version,
		"commit":      commit,
		"instance_id": cfg.Encryption.InstanceID,
	}).Info("Starting sharecrypt")

	ctx := context.Background()

	if cfg.Tracing.ServiceVersion == "" || cfg.Tracing.ServiceVersion == "dev" {
		cfg.Tracing.ServiceVersion = version
	}
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, nil)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}

	// Initialize metrics
	var m *metrics.Metrics
	stopCollector := make(chan struct{})
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics()
		m.StartSystemMetricsCollector(15*time.Second, stopCollector)
	}

	// Key store
	store, err := openKeyStore(cfg.KeyStore)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open key store")
	}
	defer store.Close()

	var publicKeyCache cache.Cache
	if cfg.Cache.Enabled {
		publicKeyCache = cache.NewMemoryCache(cfg.Cache.MaxSize, cfg.Cache.MaxItems, cfg.Cache.DefaultTTL)
		logger.WithFields(logrus.Fields{
			"max_size":    cfg.Cache.MaxSize,
			"max_items":   cfg.Cache.MaxItems,
			"default_ttl": cfg.Cache.DefaultTTL,
		}).Info("Public key cache enabled")
	}

	cipher, err := crypto.ParseCipher(cfg.Encryption.Cipher)
	if err != nil {
		logger.WithError(err).Fatal("Invalid cipher")
	}
	codec, err := newPrivateKeyCodec(cfg.Encryption, cipher)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create private key codec")
	}

	keys := keystore.NewManager(store, codec, publicKeyCache, keystore.Config{
		MasterKeyID:      cfg.Encryption.MasterKeyID,
		RecoveryKeyID:    cfg.Encryption.RecoveryKeyID,
		PublicShareKeyID: cfg.Encryption.PublicShareKeyID,
		UseMasterKey:     cfg.Encryption.UseMasterKey,
		PublicKeyTTL:     cfg.Cache.DefaultTTL,
		RSABits:          cfg.Encryption.RSABits,
	}, logger)

	if err := setupSystemKeys(ctx, keys, cfg.Encryption, logger); err != nil {
		logger.WithError(err).Fatal("Failed to set up system keys")
	}

	// Encryption policy
	policy := config.NewPolicyManager(cfg.Encryption.ExcludePatterns)
	if err := policy.LoadPolicies(cfg.Encryption.PolicyFiles); err != nil {
		logger.WithError(err).Fatal("Failed to load encryption policies")
	}

	var cryptoRecorder crypto.Recorder
	if m != nil {
		cryptoRecorder = m
	}
	module, err := crypto.NewModule(keys, crypto.Options{
		Cipher:             cipher,
		LegacyEncoding:     cfg.Encryption.LegacyEncoding,
		SupportLegacy:      cfg.Encryption.SupportLegacy,
		SkipSignatureCheck: cfg.Encryption.SkipSignatureCheck,
		UseMasterKey:       cfg.Encryption.UseMasterKey,
		ShouldEncrypt:      policy.ShouldEncrypt,
	}, logger, cryptoRecorder)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create encryption module")
	}
	logger.WithFields(logrus.Fields{
		"cipher":          cipher.String(),
		"legacy_encoding": cfg.Encryption.LegacyEncoding,
		"use_master_key":  cfg.Encryption.UseMasterKey,
	}).Info("Encryption module initialized")

	// Storage
	backend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open storage backend")
	}

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	storageOpts := []storage.Option{storage.WithAudit(auditLogger)}
	if m != nil {
		storageOpts = append(storageOpts, storage.WithRecorder(m))
	}
	encrypted := storage.NewEncryptedStorage(backend, module, keys, logger, storageOpts...)

	// Setup router
	router := mux.NewRouter().SkipClean(true)
	if m != nil {
		router.Handle(cfg.Metrics.Path, m.Handler()).Methods(http.MethodGet)
		router.Use(middleware.MetricsMiddleware(m))
	}
	router.Use(middleware.TracingMiddleware(cfg.Tracing.RedactSensitive))

	handler := api.NewHandler(encrypted, keys, logger, auditLogger, cfg.Server.MaxUploadBytes)
	handler.RegisterRoutes(router)

	// Apply middleware
	logCfg := cfg.Logging
	httpHandler := middleware.RecoveryMiddleware(logger)(router)
	httpHandler = middleware.LoggingMiddleware(logger, &logCfg)(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}

	// Hot reload
	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Config hot reload disabled")
	} else {
		reloader.SetOnReloadCallback(func(old, next *config.Config) error {
			if err := policy.LoadPolicies(next.Encryption.PolicyFiles); err != nil {
				return err
			}
			policy.SetExcludePatterns(next.Encryption.ExcludePatterns)
			applyLogLevel(logger, next.LogLevel)
			return nil
		})
		go reloader.Start()
		defer reloader.Stop()
	}

	// Create HTTP server
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
	close(stopCollector)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
}

func applyLogLevel(logger *logrus.Logger, name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func openKeyStore(cfg config.KeyStoreConfig) (keystore.Store, error) {
	switch cfg.Driver {
	case "memory":
		return keystore.NewMemoryStore(), nil
	case "sqlite":
		return keystore.OpenSQLiteStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown keystore driver %q", cfg.Driver)
	}
}

func openBackend(ctx context.Context, cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Driver {
	case "filesystem":
		return storage.NewFilesystemBackend(cfg.Root)
	case "s3":
		return storage.NewS3Backend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// newPrivateKeyCodec builds the codec protecting private keys. Legacy key
// blobs are accepted under the same rules as legacy file content.
func newPrivateKeyCodec(cfg config.EncryptionConfig, cipher crypto.Cipher) (*crypto.PrivateKeyCodec, error) {
	engine, err := crypto.NewBlockEngine(crypto.BlockConfig{
		Cipher:             cipher,
		SupportLegacy:      cfg.SupportLegacy,
		SkipSignatureCheck: cfg.SkipSignatureCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create block engine: %w", err)
	}
	return crypto.NewPrivateKeyCodec(engine, cfg.InstanceID, cfg.InstanceSecret), nil
}

// setupSystemKeys creates or unlocks the master, recovery and public share
// keys whose ids and passwords are configured.
func setupSystemKeys(ctx context.Context, keys *keystore.Manager, cfg config.EncryptionConfig, logger *logrus.Logger) error {
	systemKeys := []struct {
		id, password string
		required     bool
	}{
		{cfg.MasterKeyID, cfg.MasterKeyPassword, cfg.UseMasterKey},
		{cfg.RecoveryKeyID, cfg.RecoveryKeyPassword, false},
		{cfg.PublicShareKeyID, cfg.PublicShareKeyPassword, false},
	}
	for _, k := range systemKeys {
		if k.id == "" {
			continue
		}
		if k.password == "" {
			if k.required {
				return fmt.Errorf("a password is required for system key %s", k.id)
			}
			continue
		}
		if err := keys.SetupSystemKey(ctx, k.id, k.password); err != nil {
			return fmt.Errorf("system key %s: %w", k.id, err)
		}
		logger.WithField("key_id", k.id).Info("System key unlocked")
	}
	return nil
}
