package retrieval

import "fmt"

// Confidence band defaults, applied to the best fused score after
// normalizing against the theoretical per-variant maximum.
const (
	DefaultHighThreshold   = 0.60
	DefaultMediumThreshold = 0.35
)

// GateConfig holds the tunable confidence thresholds.
type GateConfig struct {
	HighThreshold   float64
	MediumThreshold float64
}

// DefaultGateConfig returns the default confidence bands.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		HighThreshold:   DefaultHighThreshold,
		MediumThreshold: DefaultMediumThreshold,
	}
}

func (c GateConfig) normalized() GateConfig {
	d := DefaultGateConfig()
	if c.HighThreshold <= 0 || c.HighThreshold > 1 {
		c.HighThreshold = d.HighThreshold
	}
	if c.MediumThreshold <= 0 || c.MediumThreshold >= c.HighThreshold {
		c.MediumThreshold = d.MediumThreshold
	}
	return c
}

// AssessConfidence converts a fused ranking into a verdict. The best
// fused score is normalized against the maximum a hit could reach at
// rank 0 in every variant's lists (variantCount / (k+1)). A top hit
// corroborated by multiple variants or both indexes is High regardless
// of its absolute score; independent agreement is stronger evidence
// than a single high similarity.
func AssessConfidence(hits []FusedHit, variantCount, k int, cfg GateConfig) Confidence {
	cfg = cfg.normalized()
	if len(hits) == 0 {
		return Confidence{
			Level:  LevelNone,
			Reason: "no hits: insufficient grounding to answer",
		}
	}
	if variantCount <= 0 {
		variantCount = 1
	}
	if k <= 0 {
		k = DefaultRRFK
	}

	top := hits[0]
	maxPossible := float64(variantCount) / float64(k+1)
	normalized := top.FusedScore / maxPossible
	if normalized > 1 {
		normalized = 1
	}

	if top.Corroborated() {
		return Confidence{
			Level: LevelHigh,
			Reason: fmt.Sprintf("top hit corroborated by %d query variants across %d indexes (normalized score %.2f)",
				len(top.ContributingQueries), len(top.OriginIndexes), normalized),
		}
	}

	switch {
	case normalized >= cfg.HighThreshold:
		return Confidence{
			Level:  LevelHigh,
			Reason: fmt.Sprintf("normalized best score %.2f clears the high band", normalized),
		}
	case normalized >= cfg.MediumThreshold:
		return Confidence{
			Level:  LevelMedium,
			Reason: fmt.Sprintf("normalized best score %.2f in the medium band", normalized),
		}
	default:
		return Confidence{
			Level:  LevelLow,
			Reason: fmt.Sprintf("normalized best score %.2f below the medium band", normalized),
		}
	}
}
