// Package ctl implements the noderefctl commands against a configured
// storage backend.
package ctl

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/xtxerr/noderef/internal/backend"
	"github.com/xtxerr/noderef/internal/config"
	"github.com/xtxerr/noderef/internal/dao"
	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/timebucket"
)

// Params holds the global command line parameters.
type Params struct {
	// ConfigPath is the collector configuration file. Empty uses defaults.
	ConfigPath string

	// Backend and DSN override the configured storage.
	Backend string
	DSN     string
}

// App is the noderefctl application. Command output goes to Out.
type App struct {
	Params *Params
	Out    io.Writer
	Now    func() time.Time
}

// New creates an App writing to stdout.
func New() *App {
	return &App{
		Params: &Params{},
		Out:    os.Stdout,
		Now:    time.Now,
	}
}

// Config returns the effective configuration.
func (a *App) Config() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if a.Params.ConfigPath != "" {
		loaded, err := config.Load(a.Params.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if a.Params.Backend != "" {
		cfg.Storage.Backend = a.Params.Backend
	}
	if a.Params.DSN != "" {
		cfg.Storage.DSN = a.Params.DSN
	}
	if err := cfg.Storage.Validate(); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	return cfg, nil
}

func (a *App) withStore(fn func(cfg *config.Config, st dao.Store) error) (err error) {
	cfg, err := a.Config()
	if err != nil {
		return err
	}

	st, err := backend.Open(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()

	return fn(cfg, st)
}

// ParseBucket parses a command line time as either a yyyyMMddHHmmss second
// bucket or an RFC 3339 timestamp. The empty string returns zero.
func ParseBucket(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if len(s) == 14 {
		if b, err := strconv.ParseInt(s, 10, 64); err == nil {
			if !timebucket.Valid(b) {
				return 0, fmt.Errorf("%s: %w", s, errors.ErrInvalidBucket)
			}
			return b, nil
		}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("%q is neither yyyyMMddHHmmss nor RFC 3339: %w", s, errors.ErrInvalidBucket)
	}
	return timebucket.Second(t), nil
}
