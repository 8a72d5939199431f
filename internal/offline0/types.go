package offline0

import (
	"fmt"
	"net/http"
	"strings"
)

// Category is the importance class of a resource, derived from its URL.
type Category int

const (
	Unclassified Category = iota
	Critical
	High
	Medium
	Thumbnail
	VideoOrLargeImage
)

func (c Category) String() string {
	switch c {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Medium:
		return "medium"
	case Thumbnail:
		return "thumbnail"
	case VideoOrLargeImage:
		return "video"
	default:
		return "unclassified"
	}
}

// Generation identifies one versioned cache store: "<app>-<version>".
type Generation struct {
	App     string
	Version string
}

func NewGeneration(app, version string) (Generation, error) {
	app = strings.TrimSpace(app)
	version = strings.TrimSpace(version)
	if app == "" {
		return Generation{}, fmt.Errorf("%w: app name is required", ErrInvalidConfig)
	}
	if version == "" {
		return Generation{}, fmt.Errorf("%w: app version is required", ErrInvalidConfig)
	}
	if strings.ContainsRune(app, 0) || strings.ContainsRune(version, 0) {
		return Generation{}, fmt.Errorf("%w: generation must not contain NUL", ErrInvalidConfig)
	}
	return Generation{App: app, Version: version}, nil
}

func (g Generation) String() string { return g.App + "-" + g.Version }

// Prefix is shared by every generation of the same application.
func (g Generation) Prefix() string { return g.App + "-" }

// Owns reports whether a cache name belongs to this application, any version.
func (g Generation) Owns(name string) bool { return strings.HasPrefix(name, g.Prefix()) }

// Entry is a stored response snapshot keyed by the full request URL.
// Nothing else is kept: priority is recomputed from URL when needed.
type Entry struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := &Entry{
		URL:    e.URL,
		Status: e.Status,
		Header: cloneHeader(e.Header),
	}
	if e.Body != nil {
		out.Body = make([]byte, len(e.Body))
		copy(out.Body, e.Body)
	}
	return out
}

const offlineBody = "App is offline. Please check your connection."

// OfflineResponse is served for document navigations that fail at the network.
func OfflineResponse(url string) *Entry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return &Entry{
		URL:    url,
		Status: http.StatusServiceUnavailable,
		Header: h,
		Body:   []byte(offlineBody),
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
