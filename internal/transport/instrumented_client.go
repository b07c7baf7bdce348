package transport

import (
	"context"

	"github.com/italolelis/archive_downloader/internal/telemetry"
)

// Getter is the part of Client the downloader depends on.
type Getter interface {
	Get(ctx context.Context, rawURL string, offset int64) (*Response, error)
}

// InstrumentedClient wraps a Getter with a span per request.
type InstrumentedClient struct {
	client    Getter
	telemetry *telemetry.Telemetry
}

func NewInstrumentedClient(client Getter, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{client: client, telemetry: tel}
}

// Get opens the body with telemetry. Only the time to the first byte is
// covered; the body is read outside the span.
func (c *InstrumentedClient) Get(ctx context.Context, rawURL string, offset int64) (*Response, error) {
	var resp *Response

	err := c.telemetry.InstrumentOperation(ctx, "fetch", "transport", func(ctx context.Context) error {
		var err error

		resp, err = c.client.Get(ctx, rawURL, offset)

		return err
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}
