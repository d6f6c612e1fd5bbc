package sandbox

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
)

// NewEnvironment creates the execution environment for the named backend.
// The backend is fixed at construction; callers never switch on the concrete
// type afterwards.
func NewEnvironment(logger *zap.Logger, cfg *Config, backend string) (Environment, error) {
	switch backend {
	case BackendLocal:
		return NewLocalEnvironment(logger, cfg), nil
	case BackendDocker:
		return NewDockerEnvironment(logger, cfg), nil
	case BackendMock:
		return NewMockEnvironment(logger), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}

// NewFromConfig builds the environment described by the application
// configuration.
func NewFromConfig(logger *zap.Logger, cfg *config.Config) (Environment, error) {
	return NewEnvironment(logger, &Config{
		Isolated:       cfg.Execution.Isolated,
		Timeout:        cfg.Execution.Timeout,
		KeepAlive:      cfg.Execution.KeepAlive,
		Language:       cfg.Execution.Language,
		Executable:     cfg.Execution.Executable,
		Workdir:        cfg.Execution.Workdir,
		Image:          cfg.Execution.Image,
		MemoryMB:       cfg.Execution.MemoryMB,
		CPUs:           cfg.Execution.CPUs,
		NetworkEnabled: cfg.Execution.NetworkEnabled,
	}, cfg.Execution.Backend)
}
