package vectorindex

import (
	"fmt"

	"github.com/fyrsmithlabs/docsearch/internal/config"
	"go.uber.org/zap"
)

// New creates the Index selected by cfg.Index.Provider:
//   - "qdrant" (default): a remote Qdrant server addressed by QDRANT_URL
//   - "chromem": an embedded index, in memory or under chromem.path
func New(cfg *config.Config, logger *zap.Logger) (Index, error) {
	switch cfg.Index.Provider {
	case "qdrant", "":
		qcfg, err := QdrantConfigFromURL(cfg.Qdrant.URL)
		if err != nil {
			return nil, err
		}
		qcfg.APIKey = cfg.Qdrant.APIKey.Value()
		qcfg.MaxRetries = cfg.Qdrant.MaxRetries
		qcfg.Timeout = cfg.Qdrant.Timeout
		idx, err := NewQdrantIndex(qcfg, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil

	case "chromem":
		idx, err := NewChromemIndex(ChromemConfig{
			Path:     cfg.Chromem.Path,
			Compress: cfg.Chromem.Compress,
		}, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil

	default:
		return nil, fmt.Errorf("unknown index provider %q", cfg.Index.Provider)
	}
}
