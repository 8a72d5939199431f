package offline0

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Policy is the immutable configuration a Controller is built from.
type Policy struct {
	Generation         Generation
	Origin             string
	Manifest           Manifest
	Patterns           Patterns
	Thresholds         Thresholds
	Fallback           FallbackCeilings
	Platform           Platform
	Prewarm            []string
	InstallConcurrency int
	// BypassCookies names session cookies whose presence makes a request
	// private: it skips the cache in both directions.
	BypassCookies []string
	Diag          bool
}

// State is the lifecycle position of a controller's generation.
type State int32

const (
	StateNew State = iota
	StateInstalling
	StateWaiting
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "new"
	}
}

// Deps are the platform collaborators of a Controller.
type Deps struct {
	Storage   CacheStorage
	Estimator Estimator
	Network   Network
	Metrics   *Metrics
}

// Controller owns one cache generation: it installs it, activates it and
// answers intercepted requests from it.
type Controller struct {
	id     uuid.UUID
	policy Policy
	gen    Generation

	storage    CacheStorage
	net        Network
	monitor    *StorageMonitor
	classifier *Classifier
	admission  AdmissionPolicy
	evictor    *Evictor
	metrics    *Metrics

	diag     diagLogger
	writeLog *rateLimitedLogger

	state       atomic.Int32
	controlling atomic.Bool
	current     atomic.Pointer[cacheRef]

	// writeMu is held shared by every cache write; released flips under the
	// exclusive lock so no write of a retired controller is still running.
	writeMu  sync.RWMutex
	released bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

func NewController(p Policy, d Deps) (*Controller, error) {
	if d.Storage == nil {
		return nil, errors.New("controller: storage is required")
	}
	if d.Network == nil {
		return nil, errors.New("controller: network is required")
	}
	if err := p.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if _, err := NewGeneration(p.Generation.App, p.Generation.Version); err != nil {
		return nil, err
	}
	if p.InstallConcurrency <= 0 {
		p.InstallConcurrency = 4
	}

	classifier := NewClassifier(p.Manifest, p.Patterns)
	monitor := NewStorageMonitor(d.Estimator, p.Fallback, p.Platform)
	evictor := NewEvictor(classifier, monitor, p.Thresholds.Cleanup)
	evictor.diag = diagLogger(p.Diag)
	evictor.metrics = d.Metrics

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		id:         uuid.New(),
		policy:     p,
		gen:        p.Generation,
		storage:    d.Storage,
		net:        d.Network,
		monitor:    monitor,
		classifier: classifier,
		admission:  NewAdmissionPolicy(p.Thresholds),
		evictor:    evictor,
		metrics:    d.Metrics,
		diag:       diagLogger(p.Diag),
		writeLog:   newRateLimitedLogger(time.Minute),
		bgCtx:      ctx,
		bgCancel:   cancel,
	}, nil
}

func (c *Controller) ID() string             { return c.id.String() }
func (c *Controller) Generation() Generation { return c.gen }
func (c *Controller) State() State           { return State(c.state.Load()) }

// Controlling reports whether the controller has claimed clients.
func (c *Controller) Controlling() bool { return c.controlling.Load() }

func (c *Controller) Classify(url string) Category { return c.classifier.Classify(url) }

func (c *Controller) Usage(ctx context.Context) UsageSnapshot {
	u := c.monitor.Usage(ctx)
	c.metrics.ObserveUsage(u)
	return u
}

// Generations lists every cache name in storage.
func (c *Controller) Generations(ctx context.Context) ([]string, error) {
	return c.storage.Keys(ctx)
}

// Close stops background work. Storage is left open.
func (c *Controller) Close() {
	c.bgCancel()
	c.wg.Wait()
}

type cacheRef struct{ Cache }

// release stops client interception and waits for in-flight cache writes.
// Nothing this controller does afterwards writes to storage.
func (c *Controller) release() {
	c.writeMu.Lock()
	c.released = true
	c.controlling.Store(false)
	c.writeMu.Unlock()
}

// resume undoes release after a failed rollout.
func (c *Controller) resume() {
	c.writeMu.Lock()
	c.released = false
	c.controlling.Store(true)
	c.writeMu.Unlock()
}

// beginWrite reports whether writes are allowed; on true the caller must
// call endWrite.
func (c *Controller) beginWrite() bool {
	c.writeMu.RLock()
	if c.released {
		c.writeMu.RUnlock()
		return false
	}
	return true
}

func (c *Controller) endWrite() { c.writeMu.RUnlock() }

// retire marks a replaced controller and stops it.
func (c *Controller) retire() {
	c.release()
	c.state.Store(int32(StateRedundant))
	c.Close()
}

// ---- install ----

type InstallFailure struct {
	URL string
	Err error
}

type InstallReport struct {
	Generation string
	Added      []string
	Failed     []InstallFailure
}

// Install pre-populates the generation with the manifest. It is best-effort
// per file: a failed asset is reported and skipped, the rest still install.
func (c *Controller) Install(ctx context.Context) (InstallReport, error) {
	c.state.Store(int32(StateInstalling))
	rep := InstallReport{Generation: c.gen.String()}

	cache, err := c.storage.Open(ctx, c.gen.String())
	if err != nil {
		return rep, fmt.Errorf("open %s: %w", c.gen, err)
	}
	c.current.Store(&cacheRef{cache})

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.policy.InstallConcurrency)
	for _, ref := range c.policy.Manifest.InstallList() {
		g.Go(func() error {
			u, err := c.addToCache(gctx, cache, ref)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failed = append(rep.Failed, InstallFailure{URL: u, Err: err})
				c.metrics.InstallFailed()
				log.Printf("install %s: %s: %v", c.gen, u, err)
				return nil
			}
			rep.Added = append(rep.Added, u)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return rep, err
	}

	// Skip waiting: the new generation takes over without waiting for clients.
	c.state.Store(int32(StateWaiting))
	log.Printf("installed %s (controller %s): %d added, %d failed", c.gen, c.id, len(rep.Added), len(rep.Failed))
	return rep, nil
}

func (c *Controller) addToCache(ctx context.Context, cache Cache, ref string) (string, error) {
	u, err := ResolveURL(c.policy.Origin, ref)
	if err != nil {
		return ref, err
	}
	resp, err := c.net.Fetch(ctx, &Request{Method: http.MethodGet, URL: u, Header: http.Header{}})
	if err != nil {
		return u, err
	}
	if resp.Stream != nil {
		resp.Stream.Close()
		return u, errors.New("response larger than the store")
	}
	if resp.Status != http.StatusOK {
		return u, fmt.Errorf("unexpected status %d", resp.Status)
	}
	if !cacheableResponse(resp.Header) {
		return u, errors.New("response is private or no-store")
	}
	return u, cache.Put(ctx, u, resp.Entry)
}

// ---- activate ----

type ActivateReport struct {
	Deleted          []string
	Eviction         EvictionResult
	PrewarmScheduled bool
}

// Activate deletes every other generation of this app, claims clients, runs
// cleanup once and schedules the pre-warm in the background.
func (c *Controller) Activate(ctx context.Context) (ActivateReport, error) {
	c.state.Store(int32(StateActivating))
	var rep ActivateReport

	names, err := c.storage.Keys(ctx)
	if err != nil {
		return rep, fmt.Errorf("list generations: %w", err)
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		if !c.gen.Owns(name) || name == c.gen.String() {
			continue
		}
		g.Go(func() error {
			ok, err := c.storage.Delete(gctx, name)
			if err != nil {
				return fmt.Errorf("delete generation %s: %w", name, err)
			}
			if ok {
				mu.Lock()
				rep.Deleted = append(rep.Deleted, name)
				mu.Unlock()
				c.metrics.GenerationDeleted()
				c.diag.Printf("deleted generation %s", name)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return rep, err
	}

	c.controlling.Store(true)

	cache, err := c.storage.Open(ctx, c.gen.String())
	if err != nil {
		return rep, fmt.Errorf("open %s: %w", c.gen, err)
	}
	c.current.Store(&cacheRef{cache})
	rep.Eviction, err = c.evictor.MaybeCleanup(ctx, cache)
	if err != nil {
		log.Printf("activate %s: cleanup: %v", c.gen, err)
	}

	c.state.Store(int32(StateActive))
	u := c.Usage(ctx)
	c.diag.Printf("activated %s: used=%s available=%s usage=%.0f%% platform=%s",
		c.gen, formatBytes(uint64(u.UsedBytes)), formatBytes(uint64(u.AvailableBytes)), u.PercentageUsed*100, c.policy.Platform)

	if len(c.policy.Prewarm) > 0 {
		rep.PrewarmScheduled = true
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.prewarm(c.bgCtx, cache)
		}()
	}
	return rep, nil
}

// prewarm is opportunistic: it is skipped entirely when usage is above the
// pre-warm threshold, and each resource still goes through admission.
func (c *Controller) prewarm(ctx context.Context, cache Cache) {
	u := c.Usage(ctx)
	if u.PercentageUsed > c.policy.Thresholds.Prewarm {
		c.diag.Printf("prewarm skipped: usage %.2f above %.2f", u.PercentageUsed, c.policy.Thresholds.Prewarm)
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.policy.InstallConcurrency)
	for _, ref := range c.policy.Prewarm {
		g.Go(func() error {
			if _, ok, _ := cache.Match(gctx, ref); ok {
				return nil
			}
			resp, err := c.net.Fetch(gctx, &Request{Method: http.MethodGet, URL: ref, Header: http.Header{}})
			if err != nil {
				c.diag.Printf("prewarm %s failed: %v", ref, err)
				return nil
			}
			if resp.Stream != nil {
				resp.Stream.Close()
				c.diag.Printf("prewarm %s: too large to cache", ref)
				return nil
			}
			if resp.Status != http.StatusOK || !cacheableResponse(resp.Header) {
				c.diag.Printf("prewarm %s: status %d not cacheable", ref, resp.Status)
				return nil
			}
			if !c.admit(gctx, c.classifier.Classify(ref), ref) {
				return nil
			}
			if !c.beginWrite() {
				return nil
			}
			defer c.endWrite()
			if err := cache.Put(gctx, ref, resp.Entry); err != nil {
				c.writeFailed(ref, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// ---- fetch ----

// Source tells where a FetchResult came from.
type Source string

const (
	SourceCache   Source = "hit"
	SourceStored  Source = "stored"
	SourceNetwork Source = "miss"
	SourceBypass  Source = "bypass"
	SourceOffline Source = "offline"
)

// FetchResult is the answer to one request. A non-nil Stream carries the
// body instead of Entry.Body and must be closed by the caller.
type FetchResult struct {
	*Entry
	Source   Source
	Category Category
	Stream   io.ReadCloser
}

// Fetch answers one intercepted request: cache first, then network, then
// conditional admission of a clone. Cached responses are never revalidated.
func (c *Controller) Fetch(ctx context.Context, req *Request) (*FetchResult, error) {
	if (req.Method != "" && req.Method != http.MethodGet) || c.private(req) {
		resp, err := c.net.Fetch(ctx, req)
		if err != nil {
			if req.Document {
				return &FetchResult{Entry: OfflineResponse(req.URL), Source: SourceOffline}, nil
			}
			return nil, err
		}
		return &FetchResult{Entry: resp.Entry, Source: SourceBypass, Stream: resp.Stream}, nil
	}

	ent, ok, err := c.match(ctx, req.URL)
	if err != nil {
		log.Printf("match %s: %v", req.URL, err)
	}
	if ok {
		c.diag.Printf("serving from cache: %s", req.URL)
		return &FetchResult{Entry: ent, Source: SourceCache}, nil
	}

	resp, err := c.net.Fetch(ctx, req)
	if err != nil {
		c.diag.Printf("fetch failed: %s: %v", req.URL, err)
		if req.Document {
			return &FetchResult{Entry: OfflineResponse(req.URL), Source: SourceOffline}, nil
		}
		return nil, err
	}
	if resp.Stream != nil || resp.Status != http.StatusOK || !resp.Basic || !cacheableResponse(resp.Header) {
		return &FetchResult{Entry: resp.Entry, Source: SourceBypass, Stream: resp.Stream}, nil
	}

	cat := c.classifier.Classify(req.URL)
	res := &FetchResult{Entry: resp.Entry, Source: SourceNetwork, Category: cat}

	// The write outlives the caller: the page may navigate away, the clone is still stored.
	wctx := context.WithoutCancel(ctx)
	if !c.admit(wctx, cat, req.URL) {
		return res, nil
	}
	if c.store(wctx, req.URL, resp.Entry.Clone()) {
		res.Source = SourceStored
	}
	return res, nil
}

func (c *Controller) admit(ctx context.Context, cat Category, url string) bool {
	u := c.Usage(ctx)
	ok := c.admission.Admit(cat, u)
	c.metrics.Admission(cat, ok)
	c.diag.Printf("admission %s category=%s usage=%.2f admit=%t", url, cat, u.PercentageUsed, ok)
	return ok
}

// match looks in the current generation first, then in every other one.
func (c *Controller) match(ctx context.Context, url string) (*Entry, bool, error) {
	if ref := c.current.Load(); ref != nil {
		if ent, ok, err := ref.Match(ctx, url); err == nil && ok {
			return ent, true, nil
		}
	}
	return c.storage.Match(ctx, url)
}

// private reports whether req carries credentials that make its response
// specific to one user.
func (c *Controller) private(req *Request) bool {
	if req.Header == nil {
		return false
	}
	if req.Header.Get("Authorization") != "" {
		return true
	}
	return hasAnyCookie(req.Header, c.policy.BypassCookies)
}

func hasAnyCookie(h http.Header, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			need[n] = struct{}{}
		}
	}
	for _, ck := range (&http.Request{Header: h}).Cookies() {
		if _, ok := need[ck.Name]; ok {
			return true
		}
	}
	return false
}

// cacheableResponse rejects responses that set cookies or forbid shared storage.
func cacheableResponse(h http.Header) bool {
	if len(h.Values("Set-Cookie")) > 0 {
		return false
	}
	cc := strings.ToLower(strings.Join(h.Values("Cache-Control"), ","))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache") && !strings.Contains(cc, "private")
}

// store runs cleanup and writes ent. Failures are logged and swallowed.
// A released controller writes nothing.
func (c *Controller) store(ctx context.Context, url string, ent *Entry) bool {
	if !c.beginWrite() {
		c.diag.Printf("not caching %s: %s released", url, c.gen)
		return false
	}
	defer c.endWrite()
	cache, err := c.storage.Open(ctx, c.gen.String())
	if err != nil {
		c.writeFailed(url, err)
		return false
	}
	if _, err := c.evictor.MaybeCleanup(ctx, cache); err != nil {
		log.Printf("cleanup %s: %v", c.gen, err)
	}
	if err := cache.Put(ctx, url, ent); err != nil {
		c.writeFailed(url, err)
		return false
	}
	c.diag.Printf("cached %s in %s", url, c.gen)
	return true
}

func (c *Controller) writeFailed(url string, err error) {
	c.metrics.WriteFailed()
	c.writeLog.Printf("cache write %s: %s: %v", c.gen, url, err)
}
