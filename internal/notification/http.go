package notification

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jpillora/backoff"
)

const postAttempts = 3

// poster sends JSON bodies and retries throttled or failing endpoints.
type poster struct {
	name   string
	client *http.Client
	delay  backoff.Backoff
}

func newPoster(name string) poster {
	return poster{
		name:   name,
		client: &http.Client{Timeout: 10 * time.Second},
		delay:  backoff.Backoff{Min: 200 * time.Millisecond, Max: 2 * time.Second, Factor: 2},
	}
}

// post delivers payload to url. 429 and 5xx responses are retried; any
// other non-2xx status fails immediately.
func (p *poster) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", p.name, err)
	}

	b := p.delay
	var lastErr error
	for attempt := 1; attempt <= postAttempts; attempt++ {
		retry, err := p.do(ctx, url, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == postAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w (last error: %v)", p.name, ctx.Err(), lastErr)
		case <-time.After(b.Duration()):
		}
	}
	return lastErr
}

func (p *poster) do(ctx context.Context, url string, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("%s: send: %w", p.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	retry = resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	return retry, fmt.Errorf("%s: unexpected status %d", p.name, resp.StatusCode)
}
