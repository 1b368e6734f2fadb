package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a tracer from tp, or from the global provider when tp is nil.
func Tracer(tp trace.TracerProvider, name string) trace.Tracer {
	if tp == nil {
		return otel.Tracer(name)
	}
	return tp.Tracer(name)
}

// Call is one JSON request to a provider API.
type Call struct {
	Driver string
	Op     string
	Method string
	URL    string
	Header http.Header
	Body   any
	// Items is recorded on the span (URL or tag count).
	Items int
}

// Do sends c inside a span and returns the response body of a 2xx reply.
// Non-2xx replies and transport failures come back as *Error.
func Do(ctx context.Context, client HTTPDoer, tracer trace.Tracer, c Call) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "purge."+c.Op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("purge.driver", c.Driver),
		attribute.Int("purge.items", c.Items),
	)

	fail := func(err error, status int, permanent bool) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, c.Op+" failed")
		return &Error{Driver: c.Driver, Op: c.Op, StatusCode: status, Permanent: permanent, Err: err}
	}

	var body io.Reader
	if c.Body != nil {
		raw, err := json.Marshal(c.Body)
		if err != nil {
			return nil, fail(fmt.Errorf("encode request: %w", err), 0, true)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, body)
	if err != nil {
		return nil, fail(fmt.Errorf("build request: %w", err), 0, true)
	}
	for k, vs := range c.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fail(err, 0, false)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fail(fmt.Errorf("read response: %w", err), resp.StatusCode, false)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := bytes.TrimSpace(truncate(raw, 512))
		if len(msg) == 0 {
			msg = []byte(http.StatusText(resp.StatusCode))
		}
		return raw, fail(errors.New(string(msg)), resp.StatusCode, PermanentStatus(resp.StatusCode))
	}
	return raw, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
