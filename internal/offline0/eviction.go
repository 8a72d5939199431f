package offline0

import (
	"context"
	"errors"
	"fmt"
)

// EvictionResult describes one MaybeCleanup call.
type EvictionResult struct {
	Ran     bool
	Pass    int // 1 = video/large image, 2 = medium/thumbnail/unclassified, 0 = nothing selected
	Deleted []string
	Before  UsageSnapshot
	After   UsageSnapshot
	// Exhausted is set when usage is still at or above the threshold after
	// deleting. The caller's write goes ahead regardless.
	Exhausted bool
}

// Evictor removes entries when usage crosses the cleanup threshold.
// Critical and High entries are never selected; they leave only with their generation.
type Evictor struct {
	classifier *Classifier
	monitor    *StorageMonitor
	threshold  float64
	diag       diagLogger
	metrics    *Metrics
}

func NewEvictor(c *Classifier, m *StorageMonitor, threshold float64) *Evictor {
	return &Evictor{classifier: c, monitor: m, threshold: threshold}
}

// SelectForEviction picks the victims among keys. Order within a pass is unspecified.
func (e *Evictor) SelectForEviction(keys []string) (pass int, victims []string) {
	for _, k := range keys {
		if e.classifier.Classify(k) == VideoOrLargeImage {
			victims = append(victims, k)
		}
	}
	if len(victims) > 0 {
		return 1, victims
	}
	for _, k := range keys {
		switch e.classifier.Classify(k) {
		case Medium, Thumbnail, Unclassified:
			victims = append(victims, k)
		}
	}
	if len(victims) > 0 {
		return 2, victims
	}
	return 0, nil
}

func (e *Evictor) MaybeCleanup(ctx context.Context, cache Cache) (EvictionResult, error) {
	res := EvictionResult{Before: e.monitor.Usage(ctx)}
	res.After = res.Before
	if res.Before.PercentageUsed < e.threshold {
		e.metrics.CleanupRun("noop")
		return res, nil
	}
	res.Ran = true
	e.diag.Printf("cleanup start cache=%s usage=%.2f", cache.Name(), res.Before.PercentageUsed)

	keys, err := cache.Keys(ctx)
	if err != nil {
		return res, fmt.Errorf("list %s: %w", cache.Name(), err)
	}

	pass, victims := e.SelectForEviction(keys)
	res.Pass = pass
	var errs []error
	for _, k := range victims {
		ok, err := cache.Delete(ctx, k)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", k, err))
			continue
		}
		if ok {
			res.Deleted = append(res.Deleted, k)
			e.metrics.Evicted(e.classifier.Classify(k))
			e.diag.Printf("evicted %s (pass %d)", k, pass)
		}
	}

	res.After = e.monitor.Usage(ctx)
	if res.After.PercentageUsed >= e.threshold {
		res.Exhausted = true
		e.metrics.CleanupRun("exhausted")
		e.diag.Printf("cleanup gave up cache=%s usage=%.2f deleted=%d", cache.Name(), res.After.PercentageUsed, len(res.Deleted))
	} else {
		e.metrics.CleanupRun("evicted")
	}
	return res, errors.Join(errs...)
}
