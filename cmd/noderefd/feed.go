package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/xtxerr/noderef/internal/errors"
	"github.com/xtxerr/noderef/internal/logging"
	"github.com/xtxerr/noderef/internal/noderef"
)

var feedLog = logging.Component("feed")

// maxLineBytes bounds one input line.
const maxLineBytes = 64 * 1024

// feedLine is one observation on the JSON-lines input, e.g.
//
//	{"source":3,"target":5,"elapsed_ms":200}
//	{"source":3,"peer":"db-1:5432","at":"2017-08-01T14:30:05Z","elapsed_ms":7000,"error":true}
//
// A missing "at" stamps the observation with the time it was read.
type feedLine struct {
	Source    int32     `json:"source"`
	Target    int32     `json:"target"`
	Peer      string    `json:"peer"`
	At        time.Time `json:"at"`
	ElapsedMs int64     `json:"elapsed_ms"`
	Error     bool      `json:"error"`
}

func (l feedLine) observation(now time.Time) noderef.Observation {
	at := l.At
	if at.IsZero() {
		at = now
	}
	key := noderef.ApplicationKey(l.Source, l.Target, at)
	if l.Peer != "" {
		key = noderef.PeerKey(l.Source, l.Peer, at)
		key.TargetApplicationID = l.Target
	}
	return noderef.Observation{Key: key, ElapsedMs: l.ElapsedMs, IsError: l.Error}
}

type feedResult struct {
	Submitted int
	Malformed int
	Rejected  int
}

type submitFunc func(context.Context, noderef.Observation) error

// feed submits every observation read from r until EOF or ctx is done.
// Malformed lines and invalid keys are logged and skipped. Any other submit
// error ends the feed.
func feed(ctx context.Context, r io.Reader, submit submitFunc, now func() time.Time) (feedResult, error) {
	var res feedResult

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)

	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}

		var l feedLine
		if err := json.Unmarshal(b, &l); err != nil {
			res.Malformed++
			feedLog.Warn("malformed line", "line", line, "error", err)
			continue
		}

		err := submit(ctx, l.observation(now()))
		switch {
		case err == nil:
			res.Submitted++
		case errors.Is(err, errors.ErrInvalidKey):
			res.Rejected++
			feedLog.Warn("invalid observation", "line", line, "error", err)
		default:
			return res, err
		}
	}

	if err := sc.Err(); err != nil {
		return res, errors.Wrapf(err, "read line %d", line+1)
	}
	return res, nil
}
