package billing

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type options struct {
	now   func() time.Time
	newID func() string
}

// Option customises the reconciler, resolver and sweeper.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithIDGenerator replaces the random suffix used for manual transaction ids.
func WithIDGenerator(newID func() string) Option {
	return func(o *options) {
		o.newID = newID
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:   func() time.Time { return time.Now().UTC() },
		newID: randomHex16,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func randomHex16() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
