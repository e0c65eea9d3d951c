package multitable

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"megashop/internal/storage"
)

// Runner wires a repository and a loader engine for one load.
// Every field is a seam; NewDefaultRunner fills them for production.
type Runner struct {
	NewMultiRepo func(ctx context.Context, cfg storage.MultiConfig) (storage.MultiRepository, error)
	NewEngine    func(repo storage.MultiRepository, logger Logger) Engine
	NewLogger    func(w io.Writer) Logger
	ExpandEnv    func(string) string

	// LogWriter receives loader logs when NewLogger is the default.
	LogWriter io.Writer
}

// NewDefaultRunner returns a Runner backed by the storage registry and
// Engine2Pass. logger may be nil.
func NewDefaultRunner(logger Logger) *Runner {
	return &Runner{
		NewMultiRepo: storage.NewMulti,
		NewEngine: func(repo storage.MultiRepository, l Logger) Engine {
			return &Engine2Pass{Repo: repo, Logger: l}
		},
		NewLogger: func(w io.Writer) Logger {
			if logger != nil {
				return logger
			}
			return log.New(w, "", log.LstdFlags)
		},
		ExpandEnv: os.ExpandEnv,
		LogWriter: io.Discard,
	}
}

// Run validates cfg, opens the warehouse and loads the processed store.
func (r *Runner) Run(ctx context.Context, cfg Pipeline) (Stats, error) {
	if err := validateMultiConfig(cfg); err != nil {
		return Stats{}, err
	}

	w := r.LogWriter
	if w == nil {
		w = io.Discard
	}
	logger := r.NewLogger(w)

	expand := r.ExpandEnv
	if expand == nil {
		expand = os.ExpandEnv
	}

	columns, added := requiredInputColumns(cfg)
	logger.Printf("stage=columns columns=%s added=%s", strings.Join(columns, ","), strings.Join(added, ","))

	repo, err := r.NewMultiRepo(ctx, storage.MultiConfig{Kind: cfg.Kind, DSN: expand(cfg.DSN)})
	if err != nil {
		return Stats{}, fmt.Errorf("multi repo: %w", err)
	}
	defer repo.Close()

	return r.NewEngine(repo, logger).Run(ctx, cfg, columns)
}

func validateMultiConfig(cfg Pipeline) error {
	if strings.TrimSpace(cfg.Source) == "" {
		return fmt.Errorf("loader: processed store path is required")
	}
	if cfg.Kind == "" {
		return fmt.Errorf("loader: warehouse.kind must be set")
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return fmt.Errorf("loader: warehouse.dsn must be set")
	}
	if len(cfg.Tables) == 0 {
		return fmt.Errorf("loader: warehouse.tables must not be empty")
	}
	return nil
}
