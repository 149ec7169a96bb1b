package ctl

import (
	"context"
	"fmt"

	"github.com/xtxerr/noderef/internal/archive"
	"github.com/xtxerr/noderef/internal/config"
	"github.com/xtxerr/noderef/internal/dao"
	"github.com/xtxerr/noderef/internal/journal"
	"github.com/xtxerr/noderef/internal/noderef"
)

// Export writes the node references matching q to a Parquet archive.
// A non-empty compression overrides the configured codec.
func (a *App) Export(ctx context.Context, q dao.EdgeQuery, path, compression string) error {
	return a.withStore(func(cfg *config.Config, st dao.Store) error {
		opts, err := cfg.ArchiveOptions()
		if err != nil {
			return err
		}
		if compression != "" {
			if opts.Compression, err = archive.ParseCompression(compression); err != nil {
				return err
			}
		}

		n, err := archive.Export(ctx, st, q, path, opts)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "exported %d rows to %s (%s)\n", n, path, opts.Compression)
		return nil
	})
}

// Journal prints the deltas waiting in the journal without consuming them.
// An empty dir uses the configured journal directory.
func (a *App) Journal(dir string) error {
	if dir == "" {
		cfg, err := a.Config()
		if err != nil {
			return err
		}
		dir = cfg.Journal.Dir
	}

	j, err := journal.Open(dir, journal.DefaultOptions())
	if err != nil {
		return err
	}
	replayed, err := j.Replay()
	if err != nil {
		return err
	}

	var total noderef.Record
	segments := 0
	for _, e := range replayed.Entries {
		for _, seg := range e.Segments {
			total.Combine(seg.Delta)
			segments++
		}
	}

	fmt.Fprintf(a.Out, "journal:   %s\n", dir)
	fmt.Fprintf(a.Out, "files:     %d\n", len(replayed.Segments))
	fmt.Fprintf(a.Out, "entries:   %d\n", len(replayed.Entries))
	fmt.Fprintf(a.Out, "deltas:    %d\n", segments)
	fmt.Fprintf(a.Out, "summary:   %d\n", total.Summary)
	fmt.Fprintf(a.Out, "errors:    %d\n", total.ErrorCount)
	if st := j.Stats(); st.CorruptRecords > 0 {
		fmt.Fprintf(a.Out, "corrupt:   %d\n", st.CorruptRecords)
	}
	return nil
}
