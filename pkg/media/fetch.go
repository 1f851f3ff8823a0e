package media

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const DefaultMaxBytes = 64 << 20

var ErrTooLarge = errors.New("remote media exceeds size limit")

// Fetcher downloads outbound attachments.
type Fetcher struct {
	Client   *http.Client
	MaxBytes int64
}

func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{Client: &http.Client{Timeout: timeout}, MaxBytes: maxBytes}
}

// Fetch returns the body of url and its content type.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", errors.Wrap(err, "build media request")
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, "", errors.Wrapf(err, "fetch %s", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", errors.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	if resp.ContentLength > f.MaxBytes {
		return nil, "", errors.Wrapf(ErrTooLarge, "%s: %d bytes", url, resp.ContentLength)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxBytes+1))
	if err != nil {
		return nil, "", errors.Wrapf(err, "read %s", url)
	}
	if int64(len(data)) > f.MaxBytes {
		return nil, "", errors.Wrapf(ErrTooLarge, "%s", url)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = http.DetectContentType(data)
	}
	return data, ct, nil
}
