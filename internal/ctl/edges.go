package ctl

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/xtxerr/noderef/internal/config"
	"github.com/xtxerr/noderef/internal/dao"
	"github.com/xtxerr/noderef/internal/noderef"
	"github.com/xtxerr/noderef/internal/query"
	"github.com/xtxerr/noderef/internal/timebucket"
)

// Edges prints the persisted node references matching q and their total.
func (a *App) Edges(ctx context.Context, q dao.EdgeQuery) error {
	return a.withStore(func(_ *config.Config, st dao.Store) error {
		refs, err := query.Edges(ctx, st, q)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(a.Out, 1, 1, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tSOURCE\tTARGET\tSUMMARY\tERROR\t<=1S\t<=3S\t<=5S\t>5S")
		for _, s := range refs {
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\n", s.Key.TimeBucket, s.Key.SourceApplicationID,
				target(s.Key), counters(s.Record))
		}
		fmt.Fprintf(w, "TOTAL\t\t%d rows\t%s\n", len(refs), counters(query.Total(refs)))
		return w.Flush()
	})
}

func target(k noderef.Key) string {
	if k.IsPeer() {
		return k.TargetPeer
	}
	return "app " + strconv.Itoa(int(k.TargetApplicationID))
}

func counters(r noderef.Record) string {
	return fmt.Sprintf("%d\t%d\t%d\t%d\t%d\t%d",
		r.Summary, r.ErrorCount, r.Buckets[0], r.Buckets[1], r.Buckets[2], r.Buckets[3])
}

// LastTime prints the last second bucket considered fully synchronized.
func (a *App) LastTime(ctx context.Context) error {
	return a.withStore(func(_ *config.Config, st dao.Store) error {
		t, err := query.LastTime(ctx, st, a.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "%s (%d)\n", t.Format("2006-01-02 15:04:05 MST"), timebucket.Second(t))
		return nil
	})
}
