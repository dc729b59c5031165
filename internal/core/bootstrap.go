package core

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/federalis/idp/internal/authn"
	"github.com/federalis/idp/internal/crypto"
	"github.com/federalis/idp/internal/directory"
	"github.com/federalis/idp/internal/store"
)

// BootstrapResult holds the initialized shared dependencies.
type BootstrapResult struct {
	Config        *Config
	Logger        *zap.Logger
	KeySet        *crypto.KeySet
	Directory     directory.Directory
	Sessions      store.SessionCache
	Logouts       store.PendingLogoutStore
	Authenticator authn.Authenticator
}

// Bootstrap initializes key material, the partner directory, the user
// registry and the configured store backend.
func Bootstrap(cfg *Config) (*BootstrapResult, error) {
	var logger *zap.Logger
	var err error
	if cfg.Debug || cfg.IsDevelopment() {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	var keySet *crypto.KeySet
	if cfg.KeyFile != "" {
		keySet, err = crypto.LoadKeySet(cfg.KeyFile, cfg.CertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load signing keys: %w", err)
		}
		logger.Info("signing keys loaded", zap.String("key_file", cfg.KeyFile))
	} else {
		keySet, err = crypto.NewKeySet(cfg.EntityID)
		if err != nil {
			return nil, fmt.Errorf("failed to generate signing keys: %w", err)
		}
		logger.Warn("generated ephemeral signing keys; partners must refresh metadata on every restart")
	}

	dir, err := directory.LoadFile(cfg.PartnersFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load partner directory: %w", err)
	}
	logger.Info("partner directory loaded",
		zap.String("file", cfg.PartnersFile),
		zap.Int("partners", len(dir.All())))

	users, err := authn.LoadUsers(cfg.UsersFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load user registry: %w", err)
	}

	sessions, logouts, err := openStores(cfg, keySet)
	if err != nil {
		return nil, err
	}
	logger.Info("store backend ready", zap.String("backend", cfg.StoreBackend))

	auth := authn.Multi{
		authn.NewPasswordAuthenticator(users),
		authn.NewCertificateAuthenticator(users, nil),
	}

	return &BootstrapResult{
		Config:        cfg,
		Logger:        logger,
		KeySet:        keySet,
		Directory:     dir,
		Sessions:      sessions,
		Logouts:       logouts,
		Authenticator: auth,
	}, nil
}

func openStores(cfg *Config, keySet *crypto.KeySet) (store.SessionCache, store.PendingLogoutStore, error) {
	switch cfg.StoreBackend {
	case StoreMemory:
		return store.NewMemorySessionCache(), store.NewMemoryLogoutStore(), nil
	case StoreSQLite:
		codec := store.NewSignedSessionCodec(crypto.NewTokenCodec(keySet, cfg.EntityID))
		st, err := store.NewSQLiteStore(cfg.DataDir, codec)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return st.Sessions(), st.Logouts(), nil
	case StoreRedis:
		codec := store.NewSignedSessionCodec(crypto.NewTokenCodec(keySet, cfg.EntityID))
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return store.NewRedisSessionCache(client, codec), store.NewRedisLogoutStore(client), nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
