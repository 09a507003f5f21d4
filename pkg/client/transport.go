package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Request is one API call as it travels through the pipeline. The body is
// held in memory so retries can resend it.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte

	// Bucket overrides the rate-limit bucket key when set.
	Bucket string
}

// Clone returns a deep copy so middleware can change headers without
// touching the caller's request.
func (r *Request) Clone() *Request {
	c := *r
	if r.URL != nil {
		u := *r.URL
		c.URL = &u
	}
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Handler sends a request and returns its response. Transports and
// middleware-wrapped chains share this shape.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// HTTPTransport returns the wire-level handler backed by hc.
func HTTPTransport(hc *http.Client) Handler {
	if hc == nil {
		hc = http.DefaultClient
	}
	return func(ctx context.Context, req *Request) (*Response, error) {
		var body io.Reader
		if req.Body != nil {
			body = bytes.NewReader(req.Body)
		}

		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		for name, values := range req.Header {
			for _, v := range values {
				httpReq.Header.Add(name, v)
			}
		}

		httpResp, err := hc.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}

		return &Response{
			StatusCode: httpResp.StatusCode,
			Status:     httpResp.Status,
			Header:     httpResp.Header,
			Body:       data,
		}, nil
	}
}
