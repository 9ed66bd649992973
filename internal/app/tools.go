package app

import (
	"asyncproc/internal/config"
	"asyncproc/internal/storage"
	logx "asyncproc/pkg/logx"
)

// LoadConfig reads path and runs the same checks a hot reload would.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.NewManager(path, logx.Nop()).Parse()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// OpenHistory opens the job history store configured in cfg.
// It returns storage.ErrDisabled when no store is configured.
func OpenHistory(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, storage.ErrDisabled
	}
	return storage.Open(sc, log)
}
