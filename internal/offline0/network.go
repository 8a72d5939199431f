package offline0

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Request is one intercepted exchange, as seen by the controller.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   io.Reader
	// Document marks top-level navigations.
	Document bool
}

// NetworkResponse is a network response. Basic means same-origin and not
// redirected; only basic 200 responses are cacheable.
//
// When Stream is set the body was too large to buffer (or the request was not
// a GET): Entry.Body is empty, the body must be read from Stream and the caller
// must close it. Streamed responses are never cached.
type NetworkResponse struct {
	*Entry
	Basic  bool
	Stream io.ReadCloser
}

type Network interface {
	Fetch(ctx context.Context, req *Request) (*NetworkResponse, error)
}

// HTTPNetwork fetches over net/http without following redirects.
type HTTPNetwork struct {
	client *http.Client
	origin *url.URL
	limit  func(context.Context) int64
}

func NewHTTPNetwork(origin string, timeout time.Duration) (*HTTPNetwork, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("%w: origin: %v", ErrInvalidConfig, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: origin %q must be absolute", ErrInvalidConfig, origin)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPNetwork{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		origin: u,
	}, nil
}

// SetBodyLimit sets the largest body Fetch buffers. Larger bodies are streamed.
// A negative limit buffers everything.
func (n *HTTPNetwork) SetBodyLimit(fn func(context.Context) int64) { n.limit = fn }

func (n *HTTPNetwork) Fetch(ctx context.Context, r *Request) (*NetworkResponse, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, r.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	out := &NetworkResponse{
		Entry: &Entry{
			URL:    r.URL,
			Status: resp.StatusCode,
			Header: cloneHeader(resp.Header),
		},
		Basic: n.sameOrigin(resp.Request.URL),
	}

	limit := int64(-1)
	if n.limit != nil {
		limit = n.limit(ctx)
	}
	if method != http.MethodGet || (limit >= 0 && resp.ContentLength > limit) {
		out.Stream = resp.Body
		return out, nil
	}

	src := io.Reader(resp.Body)
	if limit >= 0 {
		src = io.LimitReader(resp.Body, limit+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	if limit >= 0 && int64(len(body)) > limit {
		out.Stream = &prefixedBody{Reader: io.MultiReader(bytes.NewReader(body), resp.Body), Closer: resp.Body}
		return out, nil
	}
	resp.Body.Close()

	out.Body = body
	out.Header.Del("Content-Length")
	return out, nil
}

// prefixedBody replays the bytes read while probing the size, then the rest.
type prefixedBody struct {
	io.Reader
	io.Closer
}

func (n *HTTPNetwork) sameOrigin(u *url.URL) bool {
	return u != nil && strings.EqualFold(u.Scheme, n.origin.Scheme) && strings.EqualFold(u.Host, n.origin.Host)
}

// ResolveURL makes a manifest path absolute against origin; absolute URLs pass through.
func ResolveURL(origin, ref string) (string, error) {
	base, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	u, err := base.Parse(strings.TrimPrefix(ref, "./"))
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// IsDocumentRequest reports whether r is a top-level navigation.
func IsDocumentRequest(r *http.Request) bool {
	if dest := r.Header.Get("Sec-Fetch-Dest"); dest != "" {
		return dest == "document"
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
