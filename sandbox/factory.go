package sandbox

import (
	"fmt"

	"go.uber.org/zap"
)

// Settings carries the configuration of every backend; NewEngine uses the
// part matching the selected backend.
type Settings struct {
	Local     LocalConfig
	Container ContainerConfig
	Metrics   *PoolMetrics
}

// NewEngine creates the engine for backend.
func NewEngine(logger *zap.Logger, settings Settings, backend string) (Engine, error) {
	switch backend {
	case BackendLocal:
		return NewLocalEngine(logger, settings.Local)
	case BackendDocker, BackendPodman:
		flavour, err := FlavourFor(backend)
		if err != nil {
			return nil, err
		}
		cfg := settings.Container
		cfg.Flavour = flavour
		return NewContainerEngine(logger, cfg, WithContainerPoolOptions(WithPoolMetrics(settings.Metrics)))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, backend)
	}
}
