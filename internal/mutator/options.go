package mutator

import (
	"time"

	"github.com/9triver/mutator/internal/loader"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRequestTimeout = 2 * time.Minute
	DefaultConnectTimeout = 30 * time.Second
)

// Options configure a Session.
type Options struct {
	// RequestTimeout bounds every blocking request. Zero means DefaultRequestTimeout,
	// a negative value disables the bound (the caller's ctx still applies).
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	Loader         loader.Options
	RunID          string
	Logger         *logrus.Entry
}

type Option func(*Options)

func WithRequestTimeout(d time.Duration) Option {
	return func(o *Options) { o.RequestTimeout = d }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(o *Options) { o.ConnectTimeout = d }
}

func WithLoaderOptions(opts loader.Options) Option {
	return func(o *Options) { o.Loader = opts }
}

func WithRunID(id string) Option {
	return func(o *Options) { o.RunID = id }
}

func WithLogger(log *logrus.Entry) Option {
	return func(o *Options) { o.Logger = log }
}

func (o *Options) ApplyDefaults() {
	if o.RequestTimeout == 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Logger == nil {
		o.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}
