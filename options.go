package e57

import "log/slog"

type config struct {
	limits   Limits
	pageSize uint64
	logger   *slog.Logger
}

type Option func(*config)

// WithPageSize sets the physical page size of a new file. Ignored by Open,
// which always uses the page size recorded in the header.
func WithPageSize(n uint64) Option {
	return func(c *config) { c.pageSize = n }
}

func WithLimits(l Limits) Option {
	return func(c *config) { c.limits = l }
}

// WithLogger routes diagnostics to l. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

func newConfig(opts []Option) config {
	cfg := config{limits: defaultLimits(), pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.limits = cfg.limits.withDefaults()
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return cfg
}

type StringOption func(*stringLayout)

// WithFixedLength makes a String or Blob field occupy exactly n bytes in each packed record.
func WithFixedLength(n uint64) StringOption {
	return func(s *stringLayout) { s.fixedLength = n }
}

// WithLengthPrefix sets the width in bits of the length prefix that precedes a
// variable-length String or Blob field in each packed record.
func WithLengthPrefix(bits uint) StringOption {
	return func(s *stringLayout) { s.prefixBits = bits }
}
