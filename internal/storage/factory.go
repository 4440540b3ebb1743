// factory.go implements the storage backend registry, mapping backend names
// (local, s3, azure, gcs) to constructor functions.
package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/auditcore/auditcore/internal/config"
)

// FactoryFunc creates a storage backend from the archive configuration
type FactoryFunc func(*config.ArchiveConfig) (Storage, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]FactoryFunc)
)

// Register registers a storage backend factory
func Register(name string, factory FactoryFunc) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = factory
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates the storage backend named by cfg.Backend
func New(cfg *config.ArchiveConfig) (Storage, error) {
	mu.RLock()
	factory, ok := factories[cfg.Backend]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported archive backend: %q (registered: %v)", cfg.Backend, Backends())
	}
	return factory(cfg)
}
