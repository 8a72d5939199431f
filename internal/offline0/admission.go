package offline0

import "fmt"

// Thresholds are usage ratios. Less important content is throttled first:
// Video < Cleanup < High < 1, and Prewarm < Cleanup.
type Thresholds struct {
	Video   float64 `yaml:"video"`
	Cleanup float64 `yaml:"cleanup"`
	High    float64 `yaml:"high"`
	Prewarm float64 `yaml:"prewarm"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Video:   0.85,
		Cleanup: 0.90,
		High:    0.98,
		Prewarm: 0.60,
	}
}

func (t Thresholds) Validate() error {
	if t.Video <= 0 {
		return fmt.Errorf("%w: thresholds.video must be positive", ErrInvalidConfig)
	}
	if !(t.Video < t.Cleanup && t.Cleanup < t.High && t.High < 1) {
		return fmt.Errorf("%w: thresholds must satisfy video < cleanup < high < 1 (got %.2f, %.2f, %.2f)",
			ErrInvalidConfig, t.Video, t.Cleanup, t.High)
	}
	if t.Prewarm < 0 || t.Prewarm >= t.Cleanup {
		return fmt.Errorf("%w: thresholds.prewarm must be below cleanup (got %.2f)", ErrInvalidConfig, t.Prewarm)
	}
	return nil
}

// AdmissionPolicy decides whether a fetched resource may be written to the cache.
type AdmissionPolicy struct {
	t Thresholds
}

func NewAdmissionPolicy(t Thresholds) AdmissionPolicy { return AdmissionPolicy{t: t} }

func (p AdmissionPolicy) Admit(cat Category, u UsageSnapshot) bool {
	pct := u.PercentageUsed
	switch cat {
	case Critical:
		return true
	case High:
		return pct <= p.t.High
	case VideoOrLargeImage:
		return pct < p.t.Video
	default:
		// Thumbnail, Medium and Unclassified stop exactly where eviction starts.
		return pct <= p.t.Cleanup
	}
}
