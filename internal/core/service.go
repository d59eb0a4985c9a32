package core

import (
	"context"
	"time"

	"github.com/JonMunkholm/serialcheck/internal/serial"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("serialcheck/core")

// Defaults applied by NewService for zero-valued Options.
const (
	DefaultMaxRowErrors      = 100
	DefaultImportTimeout     = 10 * time.Minute
	DefaultValidationTimeout = 5 * time.Second
	DefaultAuditTimeout      = 2 * time.Second
	DefaultDeliveryTimeout   = time.Minute
)

// Options tunes the service. Zero values select the defaults above.
type Options struct {
	FixedSize         int
	MaxRowErrors      int
	ImportWaitTime    time.Duration
	ImportTimeout     time.Duration
	ValidationTimeout time.Duration
	AuditTimeout      time.Duration
	// DeliveryTimeout bounds sending one verdict, retries included.
	DeliveryTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.FixedSize <= 0 {
		o.FixedSize = serial.DefaultFixedSize
	}
	if o.MaxRowErrors <= 0 {
		o.MaxRowErrors = DefaultMaxRowErrors
	}
	if o.ImportWaitTime <= 0 {
		o.ImportWaitTime = DefaultImportWaitTime
	}
	if o.ImportTimeout <= 0 {
		o.ImportTimeout = DefaultImportTimeout
	}
	if o.ValidationTimeout <= 0 {
		o.ValidationTimeout = DefaultValidationTimeout
	}
	if o.AuditTimeout <= 0 {
		o.AuditTimeout = DefaultAuditTimeout
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = DefaultDeliveryTimeout
	}
	return o
}

// Notifier delivers a verdict back to the sender of a message.
type Notifier interface {
	Send(ctx context.Context, to, message string) error
}

// Service ties the normalizer, the reference store, the import pipeline and
// the audit recorder together. It is safe for concurrent use.
type Service struct {
	store      Store
	normalizer serial.Normalizer
	limiter    *ImportLimiter
	audit      *AuditRecorder
	notifier   Notifier
	opts       Options
}

// NewService creates a Service over store. notifier may be nil when verdicts
// are not delivered anywhere (CLI use).
func NewService(store Store, notifier Notifier, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		store:      store,
		normalizer: serial.Normalizer{FixedSize: opts.FixedSize},
		limiter:    NewImportLimiter(opts.ImportWaitTime),
		audit:      NewAuditRecorder(store, opts.AuditTimeout),
		notifier:   notifier,
		opts:       opts,
	}
}

// Normalize exposes the service's normalizer.
func (s *Service) Normalize(raw string) (string, error) {
	return s.normalizer.Normalize(raw)
}

// Stats returns counts of the currently loaded dataset.
func (s *Service) Stats(ctx context.Context) (DatasetStats, error) {
	return s.store.Stats(ctx)
}

// Ping checks the backing store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ImportRunning reports whether an import currently holds the import slot.
func (s *Service) ImportRunning() bool {
	return s.limiter.Busy()
}

// WaitForImports blocks until a running import finishes or ctx ends.
// Used during graceful shutdown.
func (s *Service) WaitForImports(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}
