package offline0

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Service is the HTTP front end: every request goes through the current
// Controller, and admin routes expose the usage report.
type Service struct {
	cfg Config

	store   *LevelStore
	net     Network
	metrics *Metrics
	stats   *statsCollector

	ctrl      atomic.Pointer[Controller]
	rolloutMu sync.Mutex

	admin http.Handler

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	startOnce sync.Once
}

func NewService(cfg Config) (*Service, error) {
	store, err := OpenLevelStore(cfg.Storage.Path, cfg.Quota())
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Storage.Path, err)
	}
	net, err := NewHTTPNetwork(cfg.Server.Origin, cfg.Timeout())
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	s, err := newService(cfg, store, net)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return s, nil
}

func newService(cfg Config, store *LevelStore, net Network) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		store:  store,
		net:    net,
		stats:  newStatsCollector(),
		stopCh: make(chan struct{}),
	}
	if !cfg.Metrics.Disabled {
		s.metrics = NewMetrics(cfg.Metrics.Namespace)
	}
	p, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	ctrl, err := s.newController(p)
	if err != nil {
		return nil, err
	}
	s.ctrl.Store(ctrl)
	if hn, ok := net.(*HTTPNetwork); ok {
		hn.SetBodyLimit(s.bodyLimit)
	}
	s.admin = s.adminRoutes()
	return s, nil
}

func (s *Service) newController(p Policy) (*Controller, error) {
	return NewController(p, Deps{
		Storage:   s.store,
		Estimator: s.store,
		Network:   s.net,
		Metrics:   s.metrics,
	})
}

// Controller returns the controller currently answering requests.
func (s *Service) Controller() *Controller { return s.ctrl.Load() }

// Start installs and activates the configured generation.
func (s *Service) Start(ctx context.Context) error {
	ctrl := s.ctrl.Load()
	if _, err := ctrl.Install(ctx); err != nil {
		return fmt.Errorf("install %s: %w", ctrl.Generation(), err)
	}
	rep, err := ctrl.Activate(ctx)
	if err != nil {
		return fmt.Errorf("activate %s: %w", ctrl.Generation(), err)
	}
	if len(rep.Deleted) > 0 {
		log.Printf("activated %s, deleted stale generations %v", ctrl.Generation(), rep.Deleted)
	}

	if every := s.cfg.StatsEvery(); every > 0 {
		s.startOnce.Do(func() {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.statsLoop(every)
			}()
		})
	}
	return nil
}

// Rollout installs a new generation while the current one keeps serving,
// then activates it and retires the old controller. Same generation is a no-op.
func (s *Service) Rollout(ctx context.Context, p Policy) (bool, error) {
	s.rolloutMu.Lock()
	defer s.rolloutMu.Unlock()

	old := s.ctrl.Load()
	if p.Generation == old.Generation() {
		return false, nil
	}
	next, err := s.newController(p)
	if err != nil {
		return false, err
	}
	if _, err := next.Install(ctx); err != nil {
		next.Close()
		return false, fmt.Errorf("install %s: %w", p.Generation, err)
	}
	// Activation deletes the old generation. release waits for the old
	// controller's in-flight writes and blocks new ones, so nothing revives it.
	old.release()
	if _, err := next.Activate(ctx); err != nil {
		old.resume()
		next.Close()
		return false, fmt.Errorf("activate %s: %w", p.Generation, err)
	}
	s.ctrl.Store(next)
	old.retire()
	log.Printf("rolled out %s, retired %s", next.Generation(), old.Generation())
	return true, nil
}

// bodyLimit is the store's whole capacity: a body larger than that can never be
// cached, so it is streamed instead of buffered.
func (s *Service) bodyLimit(ctx context.Context) int64 {
	return s.ctrl.Load().Usage(ctx).AvailableBytes
}

func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.ctrl.Load().Close()
	_ = s.store.Close()
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !r.URL.IsAbs() && strings.HasPrefix(r.URL.Path, s.cfg.Server.AdminPrefix+"/") {
			s.admin.ServeHTTP(w, r)
			return
		}
		s.handle(w, r)
	})
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	ctrl := s.ctrl.Load()
	req := &Request{
		Method:   r.Method,
		URL:      targetURL(ctrl.policy.Origin, r),
		Header:   r.Header,
		Body:     r.Body,
		Document: IsDocumentRequest(r),
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		req.Body = nil
	}

	if !ctrl.Controlling() {
		resp, err := s.net.Fetch(r.Context(), req)
		if err != nil {
			s.badGateway(w)
			return
		}
		s.writeEntryWithStats(w, resp.Entry, resp.Stream, SourceBypass)
		return
	}

	res, err := ctrl.Fetch(r.Context(), req)
	if err != nil {
		s.badGateway(w)
		return
	}
	s.writeEntryWithStats(w, res.Entry, res.Stream, res.Source)
}

func targetURL(origin string, r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return origin + r.URL.RequestURI()
}

func (s *Service) badGateway(w http.ResponseWriter) {
	s.metrics.Request("bad-gateway")
	setOffline0Headers(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent *Entry, stream io.ReadCloser, src Source) {
	n := len(ent.Body)
	if stream != nil {
		defer stream.Close()
		writeHead(w, ent, string(src))
		copied, err := io.Copy(w, stream)
		if err != nil {
			log.Printf("stream %s: %v", ent.URL, err)
		}
		n = int(copied)
	} else {
		writeEntry(w, ent, string(src))
	}
	s.metrics.Request(string(src))
	s.stats.Observe(src, n)
}

func writeEntry(w http.ResponseWriter, ent *Entry, tag string) {
	writeHead(w, ent, tag)
	_, _ = w.Write(ent.Body)
}

func writeHead(w http.ResponseWriter, ent *Entry, tag string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-offline0") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOffline0Headers(w.Header(), tag)
	w.WriteHeader(ent.Status)
}

func setOffline0Headers(h http.Header, tag string) {
	if tag != "" {
		h.Set("X-Offline0", tag)
	}
	// Custom headers are only readable from browser JS when exposed.
	ensureExposedHeader(h, "X-Offline0")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// ---- admin ----

// UsageReport is what the cache-inspection panel reads.
type UsageReport struct {
	Controller  string        `json:"controller"`
	Generation  string        `json:"generation"`
	State       string        `json:"state"`
	Platform    string        `json:"platform"`
	Usage       UsageSnapshot `json:"usage"`
	UsedMB      int64         `json:"usedMB"`
	AvailableMB int64         `json:"availableMB"`
	Percentage  string        `json:"percentage"`
	Thresholds  Thresholds    `json:"thresholds"`
}

func (c *Controller) Report(ctx context.Context) UsageReport {
	u := c.Usage(ctx)
	return UsageReport{
		Controller:  c.ID(),
		Generation:  c.gen.String(),
		State:       c.State().String(),
		Platform:    c.policy.Platform.String(),
		Usage:       u,
		UsedMB:      u.UsedBytes >> 20,
		AvailableMB: u.AvailableBytes >> 20,
		Percentage:  fmt.Sprintf("%.0f%%", u.PercentageUsed*100),
		Thresholds:  c.policy.Thresholds,
	}
}

func (s *Service) adminRoutes() http.Handler {
	p := s.cfg.Server.AdminPrefix
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+p+"/usage", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.ctrl.Load().Report(r.Context()))
	})
	mux.HandleFunc("GET "+p+"/entries", func(w http.ResponseWriter, r *http.Request) {
		inv, err := Inventory(r.Context(), s.store)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, inv)
	})
	mux.HandleFunc("POST "+p+"/clear", func(w http.ResponseWriter, r *http.Request) {
		deleted, err := ClearAll(r.Context(), s.store)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		log.Printf("cleared %d cache generations", len(deleted))
		writeJSON(w, http.StatusOK, map[string][]string{"deleted": deleted})
	})
	if s.metrics != nil {
		mux.Handle("GET "+p+"/metrics", s.metrics.Handler())
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Inventory lists every cache generation and its entry URLs.
func Inventory(ctx context.Context, st CacheStorage) (map[string][]string, error) {
	names, err := st.Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(names))
	for _, name := range names {
		c, err := st.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		keys, err := c.Keys(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = keys
	}
	return out, nil
}

// ClearAll deletes every cache generation, whatever app it belongs to.
func ClearAll(ctx context.Context, st CacheStorage) ([]string, error) {
	names, err := st.Keys(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	for _, name := range names {
		ok, err := st.Delete(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("delete %s: %w", name, err)
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			rep := s.ctrl.Load().Report(ctx)
			inv, err := Inventory(ctx, s.store)
			cancel()
			if err != nil {
				log.Printf("usage report: %v", err)
				continue
			}
			entries := 0
			for _, urls := range inv {
				entries += len(urls)
			}
			ss := s.stats.Snapshot()
			log.Printf(
				"Cached: %s generations=%d entries=%d usage=%s/%s (%s) fallback=%t hits=%d misses=%d resp min/avg/max %s/%s/%s",
				rep.Generation,
				len(inv),
				entries,
				formatBytes(uint64(rep.Usage.UsedBytes)),
				formatBytes(uint64(rep.Usage.AvailableBytes)),
				rep.Percentage,
				rep.Usage.UsingFallback,
				ss.Hits,
				ss.Misses,
				formatBytes(ss.MinBytes),
				formatBytes(ss.AvgBytes),
				formatBytes(ss.MaxBytes),
			)
		}
	}
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
