// Package content resolves the payload a broadcast run sends.
package content

import (
	"context"
	"errors"

	"groupcast/internal/store"
	"groupcast/internal/transport"
)

// ErrFetchFailed wraps content lookup failures. It aborts only the
// current run; schedules and sessions are unaffected.
var ErrFetchFailed = errors.New("content fetch failed")

// Source resolves the broadcast payload for a tenant.
type Source interface {
	Latest(ctx context.Context, cfg store.ContentConfig) (transport.Payload, error)
}

// Static always returns the same payload. Used for manual runs with a
// caller-supplied message and in tests.
type Static struct {
	Payload transport.Payload
}

func (s Static) Latest(ctx context.Context, _ store.ContentConfig) (transport.Payload, error) {
	return s.Payload, nil
}
