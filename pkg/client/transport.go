package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TransportRequest is one outbound exchange.
type TransportRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// TransportResponse is a completed exchange, whatever its status.
type TransportResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Transport sends a single request. It returns an error only when no
// response was received; HTTP error statuses are responses.
type Transport interface {
	Send(ctx context.Context, req *TransportRequest) (*TransportResponse, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req *TransportRequest) (*TransportResponse, error)

func (f TransportFunc) Send(ctx context.Context, req *TransportRequest) (*TransportResponse, error) {
	return f(ctx, req)
}

// DefaultMaxBodyBytes bounds how much of a response body is read.
const DefaultMaxBodyBytes = 10 << 20

// HTTPTransport sends requests with net/http.
type HTTPTransport struct {
	Client       *http.Client
	MaxBodyBytes int64
}

// NewHTTPTransport returns a transport over client, or over a pooled client when nil.
func NewHTTPTransport(client *http.Client) *HTTPTransport {
	if client == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.MaxIdleConnsPerHost = 16
		t.IdleConnTimeout = 90 * time.Second
		client = &http.Client{Transport: t}
	}
	return &HTTPTransport{Client: client, MaxBodyBytes: DefaultMaxBodyBytes}
}

// Send performs the exchange. The deadline comes from ctx.
func (t *HTTPTransport) Send(ctx context.Context, req *TransportRequest) (*TransportResponse, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	limit := t.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > limit {
		// A truncated body must never reach the offline cache.
		return nil, fmt.Errorf("read body: response exceeds %d bytes", limit)
	}

	return &TransportResponse{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   data,
	}, nil
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.Client.CloseIdleConnections()
	return nil
}
