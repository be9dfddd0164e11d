// Package signaling implements out-of-band address exchange over a public
// pub/sub HTTP bus: peers publish reachable-address records under a topic
// deterministically derived from the room code, and joiners poll that topic
// until a reachable host record appears.
package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cidertogether/core/internal/roomcode"
)

// requestTimeout bounds a single publish or poll HTTP round trip.
const requestTimeout = 5 * time.Second

// pollInitialInterval and pollMaxInterval bound the backoff schedule a
// caller should use between successive Poll calls.
const (
	pollInitialInterval = 500 * time.Millisecond
	pollMaxInterval     = 5 * time.Second
)

// ErrNetworkError wraps a transient transport failure. Callers should
// retry.
var ErrNetworkError = errors.New("signaling: network error")

// ErrNotFound means the bus has no records for the given room code yet.
// It is not an error for a joiner still within its search window.
var ErrNotFound = errors.New("signaling: not found")

// Record is one peer's published contact information.
type Record struct {
	PeerID      string   `json:"peer_id"`
	Addrs       []string `json:"addrs"`
	PublishedAt int64    `json:"published_at_ms"`
}

// Client is a bus client bound to a single base URL. The zero value is not
// usable; construct with New.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a Client targeting the given signaling bus base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// publishPath and pollPath implement the bus layout: POST
// https://<bus-host>/<topic>, GET https://<bus-host>/<topic>/json?since=...,
// where topic is code.SignalingTopic() ("cider-together-<lowercase-code>").
func publishPath(code roomcode.Code) string {
	return "/" + code.SignalingTopic()
}

func pollPath(code roomcode.Code) string {
	return "/" + code.SignalingTopic() + "/json"
}

// Publish posts this peer's contact record to the room's topic. Idempotent
// from the caller's perspective: re-publishing only overwrites at the
// reader's discretion.
func (c *Client) Publish(ctx context.Context, code roomcode.Code, record Record) error {
	body, err := json.Marshal(record)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+publishPath(code), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: publish returned status %d", ErrNetworkError, resp.StatusCode)
	}
	return nil
}

// Poll issues a single bounded GET and returns records newer than sinceMs
// (Unix epoch milliseconds; 0 means "all"). Returns ErrNotFound if the topic
// has no records at all yet, or ErrNetworkError on any transport failure.
func (c *Client) Poll(ctx context.Context, code roomcode.Code, sinceMs int64) ([]Record, error) {
	url := fmt.Sprintf("%s%s?since=%d", c.baseURL, pollPath(code), sinceMs)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: poll returned status %d", ErrNetworkError, resp.StatusCode)
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: decoding poll response: %v", ErrNetworkError, err)
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records, nil
}

// PollBackOff returns a fresh exponential backoff policy (initial 500ms,
// cap 5s) for use with backoff.Retry around repeated Poll calls during a
// join search window.
func PollBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = pollInitialInterval
	b.MaxInterval = pollMaxInterval
	return b
}

// PollUntilFound polls repeatedly with exponential backoff until a record
// is found, the context's deadline is reached, or deadline elapses. It
// returns ErrNotFound if no record ever appeared before the deadline.
func PollUntilFound(ctx context.Context, c *Client, code roomcode.Code, sinceMs int64, deadline time.Duration) ([]Record, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	records, err := backoff.Retry(ctx, func() ([]Record, error) {
		return c.Poll(ctx, code, sinceMs)
	}, backoff.WithBackOff(PollBackOff()))
	if err != nil && ctx.Err() != nil {
		return nil, ErrNotFound
	}
	return records, err
}
