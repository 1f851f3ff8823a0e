// Package webhook delivers bus events to an external HTTP endpoint on a best
// effort basis.
package webhook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 3
)

type Options struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	MaxRetries int
	Client     *http.Client
	// NewBackOff overrides the retry interval policy, mostly for tests.
	NewBackOff func() backoff.BackOff
	Now        func() time.Time
}

type Dispatcher struct {
	opts Options
}

func NewDispatcher(opts Options) (*Dispatcher, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Errorf("webhook: invalid url %q", opts.URL)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Dispatcher{opts: opts}, nil
}

// Run delivers every message from msgs until ctx is done or msgs is closed.
// Messages are always acked: delivery is best effort.
func (d *Dispatcher) Run(ctx context.Context, msgs <-chan *message.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := d.Deliver(ctx, msg.Payload); err != nil {
				log.Warn().Err(err).Str("component", "webhook").Str("message_uuid", msg.UUID).Str("type", msg.Metadata.Get("type")).Msg("webhook delivery failed")
			}
			msg.Ack()
		}
	}
}

// Deliver POSTs body, retrying network errors and 5xx/429 responses.
func (d *Dispatcher) Deliver(ctx context.Context, body []byte) error {
	b := backoff.WithContext(backoff.WithMaxRetries(d.opts.NewBackOff(), uint64(d.opts.MaxRetries)), ctx)
	attempt := 0
	op := func() error {
		attempt++
		return d.post(ctx, body)
	}
	notify := func(err error, wait time.Duration) {
		log.Debug().Err(err).Str("component", "webhook").Int("attempt", attempt).Dur("retry_in", wait).Msg("webhook attempt failed")
	}
	return backoff.RetryNotify(op, b, notify)
}

func (d *Dispatcher) post(ctx context.Context, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.opts.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "build webhook request"))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "switchboard-webhook")
	if d.opts.Secret != "" {
		ts := d.opts.Now().Unix()
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderSignature, Sign(d.opts.Secret, ts, body))
	}

	resp, err := d.opts.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errors.Errorf("webhook endpoint returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(errors.Errorf("webhook endpoint rejected delivery with %d", resp.StatusCode))
	}
}
