package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/serialcheck/internal/logging"
	"github.com/JonMunkholm/serialcheck/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	verdictValid    = Verdict{Text: VerdictValid, Status: StatusSuccess}
	verdictInvalid  = Verdict{Text: VerdictInvalid, Status: StatusFailure}
	verdictNotFound = Verdict{Text: VerdictNotFound, Status: StatusNotFound}
)

// CheckSerial classifies a raw code against the loaded dataset.
//
// The blacklist wins over ranges. A code that cannot be normalized is
// reported as not found without touching the store. A store failure returns
// an error wrapping ErrStoreUnavailable and a zero Verdict; it is never
// reported as "not found".
func (s *Service) CheckSerial(ctx context.Context, raw string) (Verdict, error) {
	ctx, span := tracer.Start(ctx, "core.CheckSerial")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.opts.ValidationTimeout)
	defer cancel()

	code, err := s.normalizer.Normalize(raw)
	if err != nil {
		logging.FromContext(ctx).Debug("code not normalizable", "error", err)
		return s.classified(span, verdictNotFound), nil
	}
	span.SetAttributes(attribute.String("serial.normalized", code))

	blacklisted, err := s.store.IsBlacklisted(ctx, code)
	if err != nil {
		return Verdict{}, s.lookupFailure(ctx, span, "blacklist lookup", err)
	}
	if blacklisted {
		return s.classified(span, withCode(verdictInvalid, code, 0)), nil
	}

	matches, err := s.store.CountRangesContaining(ctx, code)
	if err != nil {
		return Verdict{}, s.lookupFailure(ctx, span, "range lookup", err)
	}

	switch {
	case matches == 0:
		return s.classified(span, withCode(verdictNotFound, code, 0)), nil
	case matches > 1:
		// Overlapping ranges in the dataset. The code was issued, so it is
		// still reported valid; operators see the overlap through the warning
		// and the metric.
		metrics.AmbiguousMatchesTotal.Inc()
		logging.FromContext(ctx).Warn("serial matched multiple ranges",
			"normalized", code,
			"matches", matches,
		)
	}
	return s.classified(span, withCode(verdictValid, code, matches)), nil
}

// ProcessMessage handles one inbound message: it checks the code, records
// the attempt and sends the verdict back to the sender.
//
// When the check fails on the store nothing is recorded or sent and the
// error is returned. Audit and delivery failures are logged only. Delivery
// is detached from ctx cancellation and bounded by Options.DeliveryTimeout,
// so a gateway hanging up does not abandon the send.
func (s *Service) ProcessMessage(ctx context.Context, sender, message string, receivedAt time.Time) (Verdict, error) {
	verdict, err := s.CheckSerial(ctx, message)
	if err != nil {
		return Verdict{}, err
	}

	s.audit.Record(ctx, AuditRecord{
		Sender:       sender,
		RawMessage:   message,
		ResponseText: verdict.Text,
		Status:       verdict.Status,
		ReceivedAt:   receivedAt,
	})

	if s.notifier != nil && sender != "" {
		s.deliver(ctx, sender, verdict)
	}

	return verdict, nil
}

func (s *Service) deliver(ctx context.Context, sender string, verdict Verdict) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.DeliveryTimeout)
	defer cancel()

	if err := s.notifier.Send(sendCtx, sender, verdict.Text); err != nil {
		logging.FromContext(ctx).Error("verdict delivery failed",
			"error", err,
			"sender", sender,
			"status", verdict.Status,
		)
	}
}

func (s *Service) classified(span trace.Span, v Verdict) Verdict {
	metrics.VerdictsTotal.WithLabelValues(string(v.Status)).Inc()
	span.SetAttributes(
		attribute.String("verdict.status", string(v.Status)),
		attribute.Int("verdict.matches", v.Matches),
	)
	return v
}

func (s *Service) lookupFailure(ctx context.Context, span trace.Span, op string, err error) error {
	metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, op)

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("validation timed out: %w", err)
	}
	wrapped := Unavailable(op, err)
	logging.FromContext(ctx).Error("serial check failed", "op", op, "error", wrapped)
	return wrapped
}

func withCode(v Verdict, code string, matches int) Verdict {
	v.Normalized = code
	v.Matches = matches
	return v
}
