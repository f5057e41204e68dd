package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/atoniolo76/dreamgate/pkg/backend"
	"github.com/atoniolo76/dreamgate/pkg/config"
	"github.com/atoniolo76/dreamgate/pkg/logs"
)

// NewBackend creates a backend adapter based on the configured kind
func NewBackend(cfg config.BackendConfig, logger *zap.Logger) (backend.Adapter, error) {
	logger = logs.OrNop(logger)

	switch cfg.Kind {
	case "noise":
		logger.Info("backend_selected", zap.String("kind", cfg.Kind), zap.Duration("latency", cfg.NoiseLatency))
		return backend.NewNoiseAdapter(cfg.NoiseLatency), nil
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("backend %q requires a backend url", cfg.Kind)
		}
		logger.Info("backend_selected", zap.String("kind", cfg.Kind), zap.String("url", cfg.URL))
		return backend.NewHTTPAdapter(cfg.URL), nil
	case "modal":
		if cfg.ModalApp == "" || cfg.ModalFunction == "" {
			return nil, fmt.Errorf("backend %q requires an app and function name", cfg.Kind)
		}
		logger.Info("backend_selected",
			zap.String("kind", cfg.Kind),
			zap.String("app", cfg.ModalApp),
			zap.String("function", cfg.ModalFunction),
			zap.String("environment", cfg.ModalEnvironment),
		)
		return backend.NewModalAdapter(cfg.ModalApp, cfg.ModalFunction, cfg.ModalEnvironment), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Kind)
	}
}
