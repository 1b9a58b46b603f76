// Package webhook posts a job's terminal status to a configured URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/marketflow/marketflow/internal/job"
	"github.com/marketflow/marketflow/internal/pipeline"
)

const (
	retryAttempts = 8
	retryBase     = time.Second
	retryCap      = 5 * time.Minute
)

// Payload is the body posted on completion.
type Payload struct {
	JobID  string     `json:"job_id"`
	Status job.Status `json:"status"`
	Result string     `json:"result"`
}

// Notifier is a pipeline.Observer that sends a Payload when a job reaches
// DONE or FAILED.
type Notifier struct {
	ctx          context.Context
	url          string
	client       *http.Client
	allowPrivate bool
	sleep        func(attempt int) time.Duration
	sent         func(Payload, error)
}

var _ pipeline.Observer = (*Notifier)(nil)

// Option configures a Notifier.
type Option func(*Notifier)

// WithAllowPrivate permits loopback and private addresses, for a receiver on
// the same host or network.
func WithAllowPrivate() Option {
	return func(n *Notifier) { n.allowPrivate = true }
}

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(n *Notifier) { n.client = c }
}

// NewNotifier validates target and returns a Notifier posting to it. ctx
// bounds every delivery; cancel it on shutdown.
func NewNotifier(ctx context.Context, target string, opts ...Option) (*Notifier, error) {
	n := &Notifier{
		ctx:    ctx,
		url:    target,
		client: &http.Client{Timeout: 30 * time.Second},
		sleep:  jitter,
	}
	for _, o := range opts {
		o(n)
	}
	if err := validateURL(target, n.allowPrivate); err != nil {
		return nil, err
	}
	return n, nil
}

// Transition sends the terminal status asynchronously and ignores every
// other state.
func (n *Notifier) Transition(jobID string, state pipeline.State, detail string) {
	var status job.Status
	switch state {
	case pipeline.StateDone:
		status = job.StatusComplete
	case pipeline.StateFailed:
		status = job.StatusError
	default:
		return
	}
	p := Payload{JobID: jobID, Status: status, Result: detail}
	payload, err := json.Marshal(p)
	if err != nil {
		slog.Error("webhook: encode payload", "job_id", jobID, "error", err)
		return
	}
	go func() {
		err := n.send(payload)
		if n.sent != nil {
			n.sent(p, err)
		}
	}()
}

// validateURL blocks non-HTTP schemes and, unless allowPrivate is set,
// private/internal IP ranges.
func validateURL(rawURL string, allowPrivate bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if allowPrivate {
		return nil
	}

	host := u.Hostname()
	ips, err := net.LookupHost(host)
	if err != nil {
		return fmt.Errorf("DNS lookup failed: %w", err)
	}

	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			continue
		}
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("private/internal IP blocked: %s", ipStr)
		}
	}

	return nil
}

func (n *Notifier) send(payload []byte) error {
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if n.ctx.Err() != nil {
			return n.ctx.Err()
		}
		if err = post(n.ctx, n.client, n.url, payload); err == nil {
			return nil
		}
		slog.Warn("webhook attempt failed", "attempt", attempt, "url", n.url, "error", err)
		if attempt < retryAttempts {
			select {
			case <-n.ctx.Done():
				return n.ctx.Err()
			case <-time.After(n.sleep(attempt)):
			}
		}
	}
	slog.Error("webhook: all retries exhausted", "url", n.url)
	return err
}

// jitter returns a random duration between 0 and min(retryCap, retryBase * 2^attempt).
func jitter(attempt int) time.Duration {
	exp := retryBase * (1 << attempt)
	if exp > retryCap {
		exp = retryCap
	}
	return time.Duration(rand.Int63n(int64(exp)))
}

func post(ctx context.Context, client *http.Client, callbackURL string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status: %d", resp.StatusCode)
	}
	return nil
}
