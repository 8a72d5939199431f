package offline0

import (
	"context"
	"fmt"
	"strings"
)

// Estimate is what the storage platform reports. Zero means "not reported".
type Estimate struct {
	Usage int64
	Quota int64
}

// Estimator is the platform's storage-estimation capability.
type Estimator interface {
	Estimate(ctx context.Context) (Estimate, error)
}

// Platform selects the fallback storage ceiling when no quota is reported.
type Platform int

const (
	PlatformGeneral Platform = iota
	PlatformMobile
)

func ParsePlatform(s string) (Platform, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "general", "desktop":
		return PlatformGeneral, nil
	case "mobile", "ios":
		return PlatformMobile, nil
	}
	return PlatformGeneral, fmt.Errorf("%w: unknown platform %q", ErrInvalidConfig, s)
}

func (p Platform) String() string {
	if p == PlatformMobile {
		return "mobile"
	}
	return "general"
}

type FallbackCeilings struct {
	Mobile  int64
	General int64
}

func DefaultFallbackCeilings() FallbackCeilings {
	return FallbackCeilings{
		Mobile:  50 * 1024 * 1024,
		General: 100 * 1024 * 1024,
	}
}

func (f FallbackCeilings) For(p Platform) int64 {
	if p == PlatformMobile {
		return f.Mobile
	}
	return f.General
}

// UsageSnapshot is a point-in-time read of storage consumption.
// PercentageUsed is a ratio and may exceed 1.
type UsageSnapshot struct {
	UsedBytes      int64   `json:"usedBytes"`
	AvailableBytes int64   `json:"availableBytes"`
	PercentageUsed float64 `json:"percentageUsed"`
	UsingFallback  bool    `json:"usingFallback"`
}

type StorageMonitor struct {
	est     Estimator
	ceiling int64
}

func NewStorageMonitor(est Estimator, ceilings FallbackCeilings, platform Platform) *StorageMonitor {
	return &StorageMonitor{est: est, ceiling: ceilings.For(platform)}
}

// Usage queries the estimator every call; snapshots are never reused.
func (m *StorageMonitor) Usage(ctx context.Context) UsageSnapshot {
	fallback := UsageSnapshot{AvailableBytes: m.ceiling, UsingFallback: true}
	if m.est == nil {
		return fallback
	}
	est, err := m.est.Estimate(ctx)
	if err != nil {
		return fallback
	}

	out := UsageSnapshot{UsedBytes: max(est.Usage, 0)}
	if est.Quota > 0 {
		out.AvailableBytes = est.Quota
	} else {
		out.AvailableBytes = m.ceiling
		out.UsingFallback = true
	}
	if out.UsedBytes > 0 && out.AvailableBytes > 0 {
		out.PercentageUsed = float64(out.UsedBytes) / float64(out.AvailableBytes)
	}
	return out
}
