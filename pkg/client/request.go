package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Source tells where a response came from.
type Source string

const (
	SourceNetwork       Source = "network"
	SourceCache         Source = "cache"
	SourceCacheFallback Source = "cache-fallback"
	SourceDedup         Source = "dedup"
)

// Request describes one logical call.
type Request struct {
	Method string
	// URL is a path joined to Config.BaseURL, or an absolute URL.
	URL string
	// Params become query parameters and are part of the cache key.
	Params map[string]string
	Header http.Header
	// Body is sent as-is when it is []byte or string, and JSON-encoded otherwise.
	Body any

	// SkipCache disables offline cache reads and writes for this call.
	SkipCache bool
	// SkipDedup always issues a fresh call.
	SkipDedup bool
	// Timeout overrides Config.Timeout for each attempt.
	Timeout time.Duration
}

// Response is a successful result. Body must be treated as read-only; it may
// be shared with other callers of a deduplicated request.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	Source    Source
	Attempts  int
	RequestID string
	// CachedAt is when a cached response was stored; zero for network responses.
	CachedAt time.Time
}

// JSON decodes the body into dest.
func (r *Response) JSON(dest any) error {
	if err := json.Unmarshal(r.Body, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// FromCache reports whether the response was served from the offline cache.
func (r *Response) FromCache() bool {
	return r.Source == SourceCache || r.Source == SourceCacheFallback
}

// cachedResponse is the payload stored in the offline cache.
type cachedResponse struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body"`
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func encodeBody(body any) ([]byte, bool, error) {
	switch b := body.(type) {
	case nil:
		return nil, false, nil
	case []byte:
		return b, false, nil
	case string:
		return []byte(b), false, nil
	case json.RawMessage:
		return b, true, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, false, fmt.Errorf("encode body: %w", err)
		}
		return data, true, nil
	}
}

func resolveURL(base, target string, params map[string]string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", target, err)
	}
	if !u.IsAbs() && base != "" {
		b, err := url.Parse(strings.TrimSuffix(base, "/") + "/")
		if err != nil {
			return "", fmt.Errorf("parse base url %q: %w", base, err)
		}
		u = b.ResolveReference(&url.URL{Path: strings.TrimPrefix(u.Path, "/"), RawQuery: u.RawQuery})
	}

	if len(params) > 0 {
		q := u.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// cacheable reports whether a response may be written to the offline cache.
func cacheable(header http.Header) bool {
	for _, v := range header.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			switch strings.ToLower(strings.TrimSpace(directive)) {
			case "no-store", "no-cache":
				return false
			}
		}
	}
	return true
}

// errorMessage extracts a message from a JSON error body.
func errorMessage(body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}
