package offline0

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNetwork struct {
	mu      sync.Mutex
	bodies  map[string]string
	status  map[string]int
	foreign map[string]bool
	extra   map[string]http.Header
	gates   map[string]chan struct{}
	entered chan string
	offline bool
	calls   map[string]int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		bodies:  map[string]string{},
		status:  map[string]int{},
		foreign: map[string]bool{},
		extra:   map[string]http.Header{},
		gates:   map[string]chan struct{}{},
		entered: make(chan string, 16),
		calls:   map[string]int{},
	}
}

// hold makes fetches of url block until the returned func is called.
func (n *fakeNetwork) hold(url string) (release func()) {
	ch := make(chan struct{})
	n.mu.Lock()
	n.gates[url] = ch
	n.mu.Unlock()
	return func() { close(ch) }
}

func (n *fakeNetwork) serve(url, body string) {
	n.mu.Lock()
	n.bodies[url] = body
	n.mu.Unlock()
}

func (n *fakeNetwork) setOffline(v bool) {
	n.mu.Lock()
	n.offline = v
	n.mu.Unlock()
}

func (n *fakeNetwork) callsFor(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[url]
}

func (n *fakeNetwork) Fetch(_ context.Context, r *Request) (*NetworkResponse, error) {
	n.mu.Lock()
	gate := n.gates[r.URL]
	n.mu.Unlock()
	if gate != nil {
		n.entered <- r.URL
		<-gate
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[r.URL]++
	if n.offline {
		return nil, ErrNetwork
	}
	body, ok := n.bodies[r.URL]
	if !ok {
		return &NetworkResponse{Entry: &Entry{URL: r.URL, Status: http.StatusNotFound, Header: http.Header{}}, Basic: true}, nil
	}
	status := http.StatusOK
	if s, ok := n.status[r.URL]; ok {
		status = s
	}
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	h.Set("ETag", `"`+r.URL+`"`)
	for k, vs := range n.extra[r.URL] {
		h[k] = vs
	}
	return &NetworkResponse{
		Entry: &Entry{URL: r.URL, Status: status, Header: h, Body: []byte(body)},
		Basic: !n.foreign[r.URL],
	}, nil
}

const testOrigin = "https://app.test"

func testPolicy(version string) Policy {
	return Policy{
		Generation:         Generation{App: "QuoVadis", Version: version},
		Origin:             testOrigin,
		Manifest:           testManifest(),
		Patterns:           DefaultPatterns(),
		Thresholds:         DefaultThresholds(),
		Fallback:           DefaultFallbackCeilings(),
		InstallConcurrency: 2,
	}
}

type controllerFixture struct {
	ctrl  *Controller
	st    *LevelStore
	net   *fakeNetwork
	usage *fakeEstimator
}

// newFixture uses a fake estimator so tests set usage directly.
func newFixture(t *testing.T, p Policy) *controllerFixture {
	t.Helper()
	st := newMemStore(t, 0)
	net := newFakeNetwork()
	est := &fakeEstimator{est: Estimate{Usage: 0, Quota: 1000}}
	ctrl, err := NewController(p, Deps{Storage: st, Estimator: est, Network: net})
	require.NoError(t, err)
	t.Cleanup(ctrl.Close)
	return &controllerFixture{ctrl: ctrl, st: st, net: net, usage: est}
}

func (f *controllerFixture) setUsage(p float64) { f.usage.set(int64(p*1000), 1000) }

func (f *controllerFixture) cached(t *testing.T, url string) bool {
	t.Helper()
	c, err := f.st.Open(context.Background(), f.ctrl.Generation().String())
	require.NoError(t, err)
	_, ok, err := c.Match(context.Background(), url)
	require.NoError(t, err)
	return ok
}

func get(url string) *Request {
	return &Request{Method: http.MethodGet, URL: url, Header: http.Header{}}
}

func TestNewController_Validates(t *testing.T) {
	st := newMemStore(t, 0)
	net := newFakeNetwork()

	_, err := NewController(testPolicy("1"), Deps{Network: net})
	assert.Error(t, err)

	p := testPolicy("1")
	p.Thresholds.Video = 0.95
	_, err = NewController(p, Deps{Storage: st, Network: net})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	p = testPolicy("")
	_, err = NewController(p, Deps{Storage: st, Network: net})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestController_FetchAdmitsCritical(t *testing.T) {
	f := newFixture(t, testPolicy("1"))
	url := testOrigin + "/index.html"
	f.net.serve(url, "<html>home</html>")
	f.setUsage(0)

	res, err := f.ctrl.Fetch(context.Background(), get(url))
	require.NoError(t, err)
	assert.Equal(t, SourceStored, res.Source)
	assert.Equal(t, Critical, res.Category)
	assert.True(t, f.cached(t, url))
}

func TestController_MediumVideoAdmissionByUsage(t *testing.T) {
	f := newFixture(t, testPolicy("1"))
	url := testOrigin + "/exercise1.mp4"
	f.net.serve(url, "mp4-bytes")

	f.setUsage(0.96)
	res, err := f.ctrl.Fetch(context.Background(), get(url))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.False(t, f.cached(t, url))

	f.setUsage(0.40)
	res, err = f.ctrl.Fetch(context.Background(), get(url))
	require.NoError(t, err)
	assert.Equal(t, SourceStored, res.Source)
	assert.True(t, f.cached(t, url))
}

func TestController_VideoThresholdThenEviction(t *testing.T) {
	f := newFixture(t, testPolicy("1"))
	url := testOrigin + "/videos/clip.mp4"
	f.net.serve(url, "clip")

	f.setUsage(0.90)
	res, err := f.ctrl.Fetch(context.Background(), get(url))
	require.NoError(t, err)
	assert.Equal(t, "clip", string(res.Body))
	assert.False(t, f.cached(t, url))
	assert.Equal(t, 1, f.net.callsFor(url))

	// An eviction pass brought usage down.
	f.setUsage(0.50)
	res, err = f.ctrl.Fetch(context.Background(), get(url))
	require.NoError(t, err)
	assert.Equal(t, SourceStored, res.Source)
	assert.True(t, f.cached(t, url))
	assert.Equal(t, 2, f.net.callsFor(url))
}

func TestController_CacheHitRoundTrip(t *testing.T) {
	f := newFixture(t, testPolicy("1"))
	url := testOrigin + "/styles/style.css"
	f.net.serve(url, "body{color:red}")

	first, err := f.ctrl.Fetch(context.Background(), get(url))
	require.NoError(t, err)
	require.Equal(t, SourceStored, first.Source)

	f.net.serve(url, "body{color:blue}")
	second, err := f.ctrl.Fetch(context.Background(), get(url))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, second.Source)
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Header, second.Header)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, 1, f.net.callsFor(url), "hit must not touch the network")
}

func TestController_ReturnedResponseIsNotTheCachedCopy(t *testing.T) {
	f := newFixture(t, testPolicy("1"))
	url := testOrigin + "/index.html"
	f.net.serve(url, "original")

	res, err := f.ctrl.Fetch(context.Background(), get(url))
	require.NoError(t, err)
	res.Body[0] = 'X'
	res.Header.Set("Content-Type", "changed")

	hit, err := f.ctrl.Fetch(context.Background(), get(url))
	require.NoError(t, err)
	assert.Equal(t, "original", string(hit.Body))
	assert.Equal(t, "text/plain", hit.Header.Get("Content-Type"))
}

func TestController_NonCacheableResponses(t *testing.T) {
	f := newFixture(t, testPolicy("1"))

	missing := testOrigin + "/missing.html"
	res, err := f.ctrl.Fetch(context.Background(), get(missing))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Status)
	assert.Equal(t, SourceBypass, res.Source)
	assert.False(t, f.cached(t, missing))

	moved := testOrigin + "/moved"
	f.net.serve(moved, "")
	f.net.status[moved] = http.StatusFound
	res, err = f.ctrl.Fetch(context.Background(), get(moved))
	require.NoError(t, err)
	assert.Equal(t, SourceBypass, res.Source)
	assert.False(t, f.cached(t, moved))

	foreign := "https://cdn.other.test/lib.js"
	f.net.serve(foreign, "lib")
	f.net.foreign[foreign] = true
	res, err = f.ctrl.Fetch(context.Background(), get(foreign))
	require.NoError(t, err)
	assert.Equal(t, SourceBypass, res.Source)
	assert.False(t, f.cached(t, foreign))

	post := &Request{Method: http.MethodPost, URL: testOrigin + "/index.html"}
	f.net.serve(post.URL, "posted")
	res, err = f.ctrl.Fetch(context.Background(), post)
	require.NoError(t, err)
	assert.Equal(t, SourceBypass, res.Source)
	assert.False(t, f.cached(t, post.URL))
}

func TestController_OfflineDocument(t *testing.T) {
	f := newFixture(t, testPolicy("1"))
	f.net.setOffline(true)

	req := get(testOrigin + "/page-profile-finley.html")
	req.Document = true
	res, err := f.ctrl.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceOffline, res.Source)
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)
	assert.Equal(t, "text/plain", res.Header.Get("Content-Type"))
	assert.Equal(t, "App is offline. Please check your connection.", string(res.Body))
	assert.False(t, f.cached(t, req.URL))
}

func TestController_OfflineSubresourceFails(t *testing.T) {
	f := newFixture(t, testPolicy("1"))
	f.net.setOffline(true)

	_, err := f.ctrl.Fetch(context.Background(), get(testOrigin+"/scripts/custom.js"))
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestController_OfflineServesCached(t *testing.T) {
	f := newFixture(t, testPolicy("1"))
	url := testOrigin + "/index.html"
	f.net.serve(url, "home")
	_, err := f.ctrl.Fetch(context.Background(), get(url))
	require.NoError(t, err)

	f.net.setOffline(true)
	req := get(url)
	req.Document = true
	res, err := f.ctrl.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, "home", string(res.Body))
}

func TestController_WriteFailureStillReturnsResponse(t *testing.T) {
	st := newMemStore(t, 1) // nothing fits
	net := newFakeNetwork()
	ctrl, err := NewController(testPolicy("1"), Deps{Storage: st, Estimator: &fakeEstimator{}, Network: net})
	require.NoError(t, err)
	defer ctrl.Close()

	url := testOrigin + "/index.html"
	net.serve(url, "home")
	res, err := ctrl.Fetch(context.Background(), get(url))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, "home", string(res.Body))
}

func TestController_WriteSurvivesCallerCancel(t *testing.T) {
	f := newFixture(t, testPolicy("1"))
	url := testOrigin + "/index.html"
	f.net.serve(url, "home")

	// The fake network ignores ctx, so the fetch itself succeeds; only the
	// cache write could observe the cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := f.ctrl.Fetch(ctx, get(url))
	require.NoError(t, err)
	assert.Equal(t, SourceStored, res.Source)
	assert.True(t, f.cached(t, url))
}

func TestController_InstallBestEffort(t *testing.T) {
	f := newFixture(t, testPolicy("1"))
	for _, ref := range testManifest().InstallList() {
		if ref == "plugins/charts/charts.js" {
			continue
		}
		f.net.serve(testOrigin+"/"+ref, "asset "+ref)
	}

	rep, err := f.ctrl.Install(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, f.ctrl.State())
	assert.Equal(t, "QuoVadis-1", rep.Generation)
	assert.Len(t, rep.Added, len(testManifest().InstallList())-1)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, testOrigin+"/plugins/charts/charts.js", rep.Failed[0].URL)

	assert.True(t, f.cached(t, testOrigin+"/index.html"))
	assert.True(t, f.cached(t, testOrigin+"/fonts/css/fontawesome-all.min.css"))
	assert.False(t, f.cached(t, testOrigin+"/plugins/charts/charts.js"))
}

func TestController_InstallIgnoresUsage(t *testing.T) {
	f := newFixture(t, testPolicy("1"))
	f.setUsage(0.99)
	url := testOrigin + "/plugins/charts/charts.js"
	f.net.serve(url, "charts")
	_, err := f.ctrl.Install(context.Background())
	require.NoError(t, err)
	assert.True(t, f.cached(t, url))
}

func TestController_ActivateReplacesGenerations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testPolicy("2"))

	for _, name := range []string{"QuoVadis-1", "QuoVadis-1.9"} {
		c, err := f.st.Open(ctx, name)
		require.NoError(t, err)
		require.NoError(t, c.Put(ctx, testOrigin+"/index.html", textEntry(testOrigin+"/index.html", name)))
	}
	other, err := f.st.Open(ctx, "Other-1")
	require.NoError(t, err)
	require.NoError(t, other.Put(ctx, "https://other.test/", textEntry("https://other.test/", "other")))
	cur, err := f.st.Open(ctx, "QuoVadis-2")
	require.NoError(t, err)
	require.NoError(t, cur.Put(ctx, testOrigin+"/styles/style.css", textEntry(testOrigin+"/styles/style.css", "css")))

	assert.False(t, f.ctrl.Controlling())
	rep, err := f.ctrl.Activate(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"QuoVadis-1", "QuoVadis-1.9"}, rep.Deleted)
	assert.Equal(t, StateActive, f.ctrl.State())
	assert.True(t, f.ctrl.Controlling())
	assert.False(t, rep.PrewarmScheduled)

	names, err := f.ctrl.Generations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Other-1", "QuoVadis-2"}, names)
	assert.True(t, f.cached(t, testOrigin+"/styles/style.css"))

	// The stale copy of index.html went with its generation.
	_, ok, err := f.st.Match(ctx, testOrigin+"/index.html")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestController_ActivateRunsCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testPolicy("1"))
	c, _ := f.st.Open(ctx, "QuoVadis-1")
	require.NoError(t, c.Put(ctx, testOrigin+"/videos/a.mp4", textEntry(testOrigin+"/videos/a.mp4", "v")))
	require.NoError(t, c.Put(ctx, testOrigin+"/index.html", textEntry(testOrigin+"/index.html", "i")))
	f.setUsage(0.95)

	rep, err := f.ctrl.Activate(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Eviction.Ran)
	assert.Equal(t, []string{testOrigin + "/videos/a.mp4"}, rep.Eviction.Deleted)
	// Usage is faked, so it stays high and the pass reports give-up.
	assert.True(t, rep.Eviction.Exhausted)
	assert.True(t, f.cached(t, testOrigin+"/index.html"))
}

func TestController_Prewarm(t *testing.T) {
	p := testPolicy("1")
	p.Prewarm = []string{"https://cdn.test/glightbox.css", "https://cdn.test/missing.js"}
	f := newFixture(t, p)
	f.net.serve("https://cdn.test/glightbox.css", "css")

	rep, err := f.ctrl.Activate(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.PrewarmScheduled)
	f.ctrl.Close()

	assert.True(t, f.cached(t, "https://cdn.test/glightbox.css"))
	assert.False(t, f.cached(t, "https://cdn.test/missing.js"))
}

func TestController_PrewarmSkippedWhenFull(t *testing.T) {
	p := testPolicy("1")
	p.Prewarm = []string{"https://cdn.test/glightbox.css"}
	f := newFixture(t, p)
	f.net.serve("https://cdn.test/glightbox.css", "css")
	f.setUsage(0.7)

	_, err := f.ctrl.Activate(context.Background())
	require.NoError(t, err)
	f.ctrl.Close()

	assert.Equal(t, 0, f.net.callsFor("https://cdn.test/glightbox.css"))
	assert.False(t, f.cached(t, "https://cdn.test/glightbox.css"))
}

func TestController_Usage(t *testing.T) {
	f := newFixture(t, testPolicy("1"))
	f.setUsage(0.25)
	u := f.ctrl.Usage(context.Background())
	assert.InDelta(t, 0.25, u.PercentageUsed, 1e-9)

	rep := f.ctrl.Report(context.Background())
	assert.Equal(t, "QuoVadis-1", rep.Generation)
	assert.Equal(t, "25%", rep.Percentage)
	assert.Equal(t, f.ctrl.ID(), rep.Controller)
}

func TestController_StorageErrorsDoNotFailFetch(t *testing.T) {
	st := newMemStore(t, 0)
	net := newFakeNetwork()
	ctrl, err := NewController(testPolicy("1"), Deps{Storage: st, Estimator: &fakeEstimator{err: errors.New("no estimate")}, Network: net})
	require.NoError(t, err)
	defer ctrl.Close()
	require.NoError(t, st.Close())

	url := testOrigin + "/index.html"
	net.serve(url, "home")
	res, err := ctrl.Fetch(context.Background(), get(url))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, "home", string(res.Body))
}

func TestController_PrivateRequestsSkipCache(t *testing.T) {
	p := testPolicy("1")
	p.BypassCookies = []string{"session"}
	f := newFixture(t, p)
	url := testOrigin + "/index.html"
	f.net.serve(url, "public home")
	_, err := f.ctrl.Fetch(context.Background(), get(url))
	require.NoError(t, err)

	for name, hdr := range map[string]http.Header{
		"authorization":  {"Authorization": {"Bearer abc"}},
		"session cookie": {"Cookie": {"theme=dark; session=alice"}},
	} {
		t.Run(name, func(t *testing.T) {
			f.net.serve(url, "home of "+name)
			req := get(url)
			req.Header = hdr
			res, err := f.ctrl.Fetch(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, SourceBypass, res.Source)
			assert.Equal(t, "home of "+name, string(res.Body))
		})
	}

	req := get(url)
	req.Header = http.Header{"Cookie": {"theme=dark"}}
	res, err := f.ctrl.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, "public home", string(res.Body))
}

func TestController_PersonalResponsesNotCached(t *testing.T) {
	f := newFixture(t, testPolicy("1"))
	cases := map[string]http.Header{
		"/profile.html": {"Set-Cookie": {"session=alice"}},
		"/private.html": {"Cache-Control": {"private, max-age=60"}},
		"/nostore.html": {"Cache-Control": {"no-store"}},
		"/nocache.html": {"Cache-Control": {"public", "no-cache"}},
	}
	for path, hdr := range cases {
		url := testOrigin + path
		f.net.serve(url, "body")
		f.net.extra[url] = hdr
		res, err := f.ctrl.Fetch(context.Background(), get(url))
		require.NoError(t, err, path)
		assert.Equal(t, SourceBypass, res.Source, path)
		assert.False(t, f.cached(t, url), path)
	}
}

func TestController_StreamedResponseBypasses(t *testing.T) {
	f := newFixture(t, testPolicy("1"))
	url := testOrigin + "/videos/big.mp4"
	net := &streamingNetwork{body: "large video"}
	f.ctrl.net = net

	res, err := f.ctrl.Fetch(context.Background(), get(url))
	require.NoError(t, err)
	assert.Equal(t, SourceBypass, res.Source)
	require.NotNil(t, res.Stream)
	b, err := io.ReadAll(res.Stream)
	require.NoError(t, err)
	require.NoError(t, res.Stream.Close())
	assert.Equal(t, "large video", string(b))
	assert.False(t, f.cached(t, url))

	// Install cannot store a body it never buffered.
	rep, err := f.ctrl.Install(context.Background())
	require.NoError(t, err)
	assert.Len(t, rep.Failed, len(testManifest().InstallList()))
}

type streamingNetwork struct{ body string }

func (n *streamingNetwork) Fetch(_ context.Context, r *Request) (*NetworkResponse, error) {
	return &NetworkResponse{
		Entry:  &Entry{URL: r.URL, Status: http.StatusOK, Header: http.Header{}},
		Basic:  true,
		Stream: io.NopCloser(strings.NewReader(n.body)),
	}, nil
}

func TestController_MatchPrefersCurrentGeneration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testPolicy("2"))
	url := testOrigin + "/index.html"

	// "QuoVadis-1" sorts before "QuoVadis-2".
	stale, err := f.st.Open(ctx, "QuoVadis-1")
	require.NoError(t, err)
	require.NoError(t, stale.Put(ctx, url, textEntry(url, "old home")))

	f.net.serve(url, "new home")
	_, err = f.ctrl.Install(ctx)
	require.NoError(t, err)

	res, err := f.ctrl.Fetch(ctx, get(url))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, "new home", string(res.Body))
}

func TestController_ReleasedControllerDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testPolicy("1"))
	_, err := f.ctrl.Activate(ctx)
	require.NoError(t, err)

	url := testOrigin + "/styles/style.css"
	f.net.serve(url, "css")
	open := f.net.hold(url)

	done := make(chan *FetchResult, 1)
	go func() {
		res, err := f.ctrl.Fetch(ctx, get(url))
		assert.NoError(t, err)
		done <- res
	}()
	<-f.net.entered

	// What a rollout does to the old controller once the new one installed.
	f.ctrl.release()
	deleted, err := f.st.Delete(ctx, "QuoVadis-1")
	require.NoError(t, err)
	require.True(t, deleted)

	open()
	res := <-done
	assert.Equal(t, SourceNetwork, res.Source)
	assert.Equal(t, "css", string(res.Body))

	names, err := f.st.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.False(t, f.ctrl.Controlling())

	f.ctrl.resume()
	assert.True(t, f.ctrl.Controlling())
}
