package inference

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-captions/internal/config"
)

// NewEngine builds the in-process engine named by cfg.Engine.
func NewEngine(cfg config.InferenceConfig, logger *slog.Logger) (Engine, error) {
	switch cfg.Engine {
	case "", "mock":
		return NewMockEngine(), nil
	case "exec":
		return NewExecEngine(cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported inference engine %q", cfg.Engine)
	}
}
