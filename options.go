package xpc

import (
	"strings"

	"go.uber.org/zap"
)

// ConnectionOptions are flags for CreateMachService.
type ConnectionOptions uint64

const (
	// MachServiceListener makes the caller the listener for the named
	// service instead of a client.
	MachServiceListener ConnectionOptions = 1 << 0

	// MachServicePrivileged indicates the service is advertised by a launch
	// daemon rather than a launch agent. It has no effect together with
	// MachServiceListener.
	MachServicePrivileged ConnectionOptions = 1 << 1
)

// Has reports whether all flags in f are set.
func (o ConnectionOptions) Has(f ConnectionOptions) bool {
	return o&f == f
}

// normalize drops flags that have no effect, so equivalent option sets reach
// the runtime identically.
func (o ConnectionOptions) normalize() ConnectionOptions {
	o &= MachServiceListener | MachServicePrivileged
	if o.Has(MachServiceListener) {
		o &^= MachServicePrivileged
	}
	return o
}

// String lists the set flags.
func (o ConnectionOptions) String() string {
	var parts []string
	if o.Has(MachServiceListener) {
		parts = append(parts, "listener")
	}
	if o.Has(MachServicePrivileged) {
		parts = append(parts, "privileged")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Option configures a connection.
type Option func(*config)

type config struct {
	runtime Runtime
	logger  *zap.Logger
	metrics *Metrics
}

// WithRuntime selects the native runtime. Default: NativeRuntime().
func WithRuntime(rt Runtime) Option {
	return func(c *config) {
		c.runtime = rt
	}
}

// WithLogger sets the connection's logger. Default: the package logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

// WithMetrics sets where the connection reports metrics. Default: the
// package metrics set with SetMetrics, if any.
func WithMetrics(m *Metrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

func newConfig(opts []Option) (config, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runtime == nil {
		rt, err := NativeRuntime()
		if err != nil {
			return cfg, err
		}
		cfg.runtime = rt
	}
	return cfg.withDefaults(), nil
}

func (c config) withDefaults() config {
	if c.logger == nil {
		c.logger = Logger()
	}
	if c.metrics == nil {
		c.metrics = defaultMetrics.Load()
	}
	return c
}
