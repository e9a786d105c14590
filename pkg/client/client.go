// Package client implements the Storage interface against a remote
// apiServer, so a remote engine behaves identically to a local one. Every
// call is one request/response envelope; errors arrive as wire kinds and are
// re-raised as the same sentinels local callers see.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/labstor/labstor"
	"github.com/labstor/labstor/pkg/types"
)

const defaultPageSize = 256

// Remote is a Storage backed by an apiServer endpoint.
type Remote struct {
	base     string
	http     *http.Client
	log      *logrus.Logger
	timeout  time.Duration
	pageSize int64
}

var _ labstor.Storage = (*Remote)(nil)

type Option func(*Remote)

// WithTimeout bounds each call. On expiry the call fails with ErrTimeout;
// the server may still have executed it, so only idempotent calls are safe
// to blindly retry.
func WithTimeout(d time.Duration) Option {
	return func(r *Remote) { r.timeout = d }
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Remote) { r.http = c }
}

func WithLogger(log *logrus.Logger) Option {
	return func(r *Remote) { r.log = log }
}

// New builds a remote Storage for the server at baseURL.
func New(baseURL string, opts ...Option) *Remote {
	r := &Remote{
		base:     strings.TrimRight(baseURL, "/"),
		http:     &http.Client{},
		log:      logrus.New(),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Remote) IsRemote() bool { return true }

// Close releases pooled connections. The remote engine itself stays up.
func (r *Remote) Close() error {
	r.http.CloseIdleConnections()
	return nil
}

// call runs one request/response round trip. Binary payloads ride inside
// the JSON envelope (base64 of the exact bytes), never truncated or
// re-encoded.
func (r *Remote) call(ctx context.Context, method string, args interface{}, result interface{}) error {
	if r.timeout > 0 {
		if _, has := ctx.Deadline(); !has {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
	}

	envelope := types.Request{Method: method}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("encode %s arguments: %w", method, err)
		}
		envelope.Args = raw
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+"/rpc", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return r.transportErr(method, err)
	}
	defer resp.Body.Close()

	var response types.Response
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", labstor.ErrConnection, method, err)
	}
	if response.Error != nil {
		return labstor.FromKind(response.Error.Kind, response.Error.Message)
	}
	if result != nil && len(response.Result) > 0 {
		if err := json.Unmarshal(response.Result, result); err != nil {
			return fmt.Errorf("%w: decode %s result: %v", labstor.ErrConnection, method, err)
		}
	}
	return nil
}

func (r *Remote) transportErr(method string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %v", labstor.ErrTimeout, method, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %s: %v", labstor.ErrTimeout, method, err)
	default:
		return fmt.Errorf("%w: %s: %v", labstor.ErrConnection, method, err)
	}
}
