package repository

import "time"

// Option configures a store client.
type Option func(*options)

type options struct {
	clock        func() time.Time
	noteSuffix   func() (string, error)
	retryBackoff time.Duration
}

func newOptions(opts ...Option) *options {
	o := &options{
		clock:        time.Now,
		noteSuffix:   newNoteSuffix,
		retryBackoff: defaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithClock sets the clock used for timestamps, note keys and cache expiry.
// Defaults to time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithNoteSuffix replaces the random note sort key suffix generator.
func WithNoteSuffix(fn func() (string, error)) Option {
	return func(o *options) {
		if fn != nil {
			o.noteSuffix = fn
		}
	}
}

// WithRetryBackoff sets the initial wait before resubmitting unprocessed
// batch writes. It doubles per attempt up to maxRetryBackoff.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryBackoff = d
		}
	}
}

func (o *options) now() time.Time {
	return o.clock().UTC()
}

// newNoteSK returns a fresh note sort key and the instant it encodes.
func (o *options) newNoteSK() (string, time.Time, error) {
	now := o.now()
	suffix, err := o.noteSuffix()
	if err != nil {
		return "", time.Time{}, err
	}
	return noteSK(now, suffix), now, nil
}
