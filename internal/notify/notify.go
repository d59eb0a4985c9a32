// Package notify delivers verdicts back to message senders through an SMS
// gateway.
//
// The gateway takes a form POST with the fields to, message and token. A
// transport error or a 5xx reply is retried with exponential backoff; any
// other non-2xx reply fails at once.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JonMunkholm/serialcheck/internal/config"
	"github.com/JonMunkholm/serialcheck/internal/core"
	"github.com/JonMunkholm/serialcheck/internal/logging"
	"github.com/JonMunkholm/serialcheck/internal/metrics"
	"github.com/sethvargo/go-retry"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultBaseDelay = 200 * time.Millisecond
	maxDelay         = 5 * time.Second
)

// New returns an SMS notifier when an endpoint is configured, otherwise a
// notifier that only logs.
func New(cfg config.SMSConfig) core.Notifier {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return LogNotifier{}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}

	return &SMSNotifier{
		endpoint:   endpoint,
		token:      cfg.APIKey,
		client:     &http.Client{Timeout: timeout},
		maxRetries: uint64(retries),
		baseDelay:  defaultBaseDelay,
	}
}

// SMSNotifier posts verdicts to an SMS gateway.
type SMSNotifier struct {
	endpoint   string
	token      string
	client     *http.Client
	maxRetries uint64
	baseDelay  time.Duration
}

// StatusError is a non-2xx gateway reply.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("sms gateway returned %d", e.StatusCode)
	}
	return fmt.Sprintf("sms gateway returned %d: %s", e.StatusCode, e.Body)
}

// Send posts message to the gateway for delivery to the recipient.
func (n *SMSNotifier) Send(ctx context.Context, to, message string) error {
	form := url.Values{
		"to":      {to},
		"message": {message},
		"token":   {n.token},
	}

	backoff := retry.WithMaxRetries(n.maxRetries,
		retry.WithCappedDuration(maxDelay, retry.NewExponential(n.baseDelay)))

	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		err := n.post(ctx, form)
		var statusErr *StatusError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &statusErr) && statusErr.StatusCode < 500:
			return err
		case ctx.Err() != nil:
			return err
		default:
			logging.FromContext(ctx).Debug("sms send attempt failed",
				"attempt", attempts,
				"error", err,
			)
			return retry.RetryableError(err)
		}
	})

	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("send sms to %s after %d attempt(s): %w", to, attempts, err)
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	return nil
}

func (n *SMSNotifier) post(ctx context.Context, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

// LogNotifier writes verdicts to the log instead of sending them.
type LogNotifier struct{}

func (LogNotifier) Send(ctx context.Context, to, message string) error {
	metrics.NotificationsTotal.WithLabelValues("logged").Inc()
	logging.FromContext(ctx).Info("sms delivery disabled, verdict not sent",
		"to", to,
		"message", message,
	)
	return nil
}
