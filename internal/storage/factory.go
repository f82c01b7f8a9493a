package storage

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/arbiterml/modelplane/internal/storage/implementations/memory"
	"github.com/arbiterml/modelplane/internal/storage/implementations/postgres"
	"github.com/arbiterml/modelplane/internal/storage/implementations/redis"
	"github.com/arbiterml/modelplane/internal/storage/interfaces"
	"github.com/arbiterml/modelplane/pkg/constants"
	"github.com/arbiterml/modelplane/pkg/errors"
)

// Options selects and configures a storage backend.
type Options struct {
	Backend  string          `json:"backend"`
	Redis    redis.Config    `json:"redis"`
	Postgres postgres.Config `json:"postgres"`
}

// StoreCreateFunc builds a store from backend options.
type StoreCreateFunc func(opts Options, logger *logrus.Logger) (interfaces.Store, error)

// Factory creates storage backends by name.
type Factory struct {
	creators map[string]StoreCreateFunc
	mu       sync.RWMutex
	logger   *logrus.Logger
}

// NewFactory creates a storage factory with the built-in backends registered.
func NewFactory(logger *logrus.Logger) *Factory {
	if logger == nil {
		logger = logrus.New()
	}

	factory := &Factory{
		creators: make(map[string]StoreCreateFunc),
		logger:   logger,
	}
	factory.registerDefaults()
	return factory
}

// CreateStore creates a store for the backend named in opts.
func (f *Factory) CreateStore(opts Options) (interfaces.Store, error) {
	f.mu.RLock()
	createFunc, exists := f.creators[opts.Backend]
	f.mu.RUnlock()

	if !exists {
		return nil, errors.NewStorageError("UNSUPPORTED_TYPE", fmt.Sprintf("Storage backend '%s' is not supported", opts.Backend))
	}

	store, err := createFunc(opts, f.logger)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, "CREATION_FAILED", fmt.Sprintf("Failed to create %s store", opts.Backend))
	}

	f.logger.WithFields(logrus.Fields{
		"backend": opts.Backend,
	}).Info("Created storage backend")

	return store, nil
}

// RegisterBackend registers a custom storage backend.
func (f *Factory) RegisterBackend(name string, createFunc StoreCreateFunc) error {
	if name == "" {
		return errors.NewValidationError("INVALID_TYPE", "Storage backend name cannot be empty")
	}
	if createFunc == nil {
		return errors.NewValidationError("INVALID_CREATOR", "Storage create function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[name] = createFunc
	return nil
}

// SupportedBackends returns all registered backend names.
func (f *Factory) SupportedBackends() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	return names
}

func (f *Factory) registerDefaults() {
	f.RegisterBackend(constants.StorageTypeMemory, func(opts Options, logger *logrus.Logger) (interfaces.Store, error) {
		return memory.NewStore(logger), nil
	})

	f.RegisterBackend(constants.StorageTypeRedis, func(opts Options, logger *logrus.Logger) (interfaces.Store, error) {
		cfg := opts.Redis
		return redis.NewStore(&cfg, logger)
	})

	f.RegisterBackend(constants.StorageTypePostgres, func(opts Options, logger *logrus.Logger) (interfaces.Store, error) {
		cfg := opts.Postgres
		return postgres.NewStore(&cfg, logger)
	})
}
