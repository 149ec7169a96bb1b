package noderef

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xtxerr/noderef/internal/errors"
)

const (
	idSeparator = "_"
	appPrefix   = "a"
	peerPrefix  = "p"
)

// ID returns the storage identifier for a key:
//
//	<timeBucket>_<source>_a<targetApplication>
//	<timeBucket>_<source>_p<targetPeer>
//
// The first two fields are decimal integers and never contain the
// separator, so the peer may contain anything and the encoding stays
// injective.
func ID(k Key) string {
	var b strings.Builder
	b.Grow(32 + len(k.TargetPeer))
	b.WriteString(strconv.FormatInt(k.TimeBucket, 10))
	b.WriteString(idSeparator)
	b.WriteString(strconv.FormatInt(int64(k.SourceApplicationID), 10))
	b.WriteString(idSeparator)
	if k.IsPeer() {
		b.WriteString(peerPrefix)
		b.WriteString(k.TargetPeer)
	} else {
		b.WriteString(appPrefix)
		b.WriteString(strconv.FormatInt(int64(k.TargetApplicationID), 10))
	}
	return b.String()
}

// ParseID decodes an identifier produced by ID. Only the canonical encoding
// is accepted, so ParseID(id) followed by ID returns id.
func ParseID(id string) (Key, error) {
	parts := strings.SplitN(id, idSeparator, 3)
	if len(parts) != 3 || len(parts[2]) < 2 {
		return Key{}, fmt.Errorf("%q: %w", id, errors.ErrInvalidID)
	}

	bucket, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("%q: time bucket: %w", id, errors.ErrInvalidID)
	}
	source, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return Key{}, fmt.Errorf("%q: source application: %w", id, errors.ErrInvalidID)
	}

	k := Key{SourceApplicationID: int32(source), TimeBucket: bucket}

	target := parts[2]
	switch target[:1] {
	case appPrefix:
		app, err := strconv.ParseInt(target[1:], 10, 32)
		if err != nil {
			return Key{}, fmt.Errorf("%q: target application: %w", id, errors.ErrInvalidID)
		}
		k.TargetApplicationID = int32(app)
	case peerPrefix:
		k.TargetPeer = target[1:]
	default:
		return Key{}, fmt.Errorf("%q: unknown target kind %q: %w", id, target[:1], errors.ErrInvalidID)
	}

	if ID(k) != id {
		return Key{}, fmt.Errorf("%q: not canonical: %w", id, errors.ErrInvalidID)
	}
	return k, nil
}
