// Package transport fetches archive bodies over HTTP with retries and
// byte-range resumption.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/italolelis/archive_downloader/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Options configures a Client.
type Options struct {
	// HeaderTimeout bounds the wait for response headers. Body transfer is
	// not limited since archives can take hours.
	HeaderTimeout time.Duration
	RetryMax      int
	RetryWaitMin  time.Duration
	RetryWaitMax  time.Duration
	UserAgent     string
	Referer       string
}

// Response is an open body positioned at Offset within the resource.
type Response struct {
	Body   io.ReadCloser
	Offset int64 // First byte served; 0 when the server ignored the range
	Length int64 // Bytes in Body, -1 if unknown
	Total  int64 // Full resource size, -1 if unknown
}

type Client struct {
	http *retryablehttp.Client
	opts Options
}

// NewClient builds a Client whose retry logs go to the logger carried by ctx.
func NewClient(ctx context.Context, opts Options) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.Logger = logctx.LoggerFromContext(ctx).With("component", "transport")
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}

	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}

	if tr, ok := rc.HTTPClient.Transport.(*http.Transport); ok && opts.HeaderTimeout > 0 {
		tr.ResponseHeaderTimeout = opts.HeaderTimeout
	}

	rc.HTTPClient.Transport = otelhttp.NewTransport(rc.HTTPClient.Transport)

	return &Client{http: rc, opts: opts}
}

// Get requests rawURL starting at offset. A 206 must start exactly at offset;
// a 200 means the whole resource is served again from byte 0.
func (c *Client) Get(ctx context.Context, rawURL string, offset int64) (*Response, error) {
	logger := logctx.LoggerFromContext(ctx).With("url", rawURL)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &NetworkError{Operation: "get", URL: rawURL, Message: "invalid request", Err: err}
	}

	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	if c.opts.Referer != "" {
		req.Header.Set("Referer", c.opts.Referer)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Operation: "get", URL: rawURL, Message: err.Error(), Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if offset > 0 {
			logger.Info("server ignored range request, restarting from zero", "offset", offset)
		}

		return &Response{Body: resp.Body, Offset: 0, Length: resp.ContentLength, Total: resp.ContentLength}, nil

	case http.StatusPartialContent:
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil || start != offset {
			resp.Body.Close()

			return nil, &NetworkError{
				Operation:  "get",
				URL:        rawURL,
				StatusCode: resp.StatusCode,
				Message:    fmt.Sprintf("unexpected content range %q for offset %d", resp.Header.Get("Content-Range"), offset),
				Err:        err,
			}
		}

		return &Response{Body: resp.Body, Offset: start, Length: resp.ContentLength, Total: total}, nil

	case http.StatusRequestedRangeNotSatisfiable:
		if offset == 0 {
			break
		}

		resp.Body.Close()

		total := int64(-1)
		if v := resp.Header.Get("Content-Range"); strings.HasPrefix(v, "bytes */") {
			if n, err := strconv.ParseInt(strings.TrimPrefix(v, "bytes */"), 10, 64); err == nil {
				total = n
			}
		}

		return nil, &RangeNotSatisfiableError{URL: rawURL, Offset: offset, Total: total}
	}

	resp.Body.Close()

	return nil, &NetworkError{
		Operation:  "get",
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
	}
}

// parseContentRange reads "bytes start-end/total"; total may be "*".
func parseContentRange(v string) (start, total int64, err error) {
	byteRange, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, 0, errors.New("missing bytes unit")
	}

	rng, size, ok := strings.Cut(byteRange, "/")
	if !ok {
		return 0, 0, errors.New("missing size")
	}

	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, errors.New("malformed range")
	}

	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, err
	}

	total = -1
	if size != "*" {
		if total, err = strconv.ParseInt(size, 10, 64); err != nil {
			return 0, 0, err
		}
	}

	return start, total, nil
}
