package shield

import (
	"context"

	"github.com/oarkflow/shield/logger"
)

// Risk level bands over the 0-100 aggregate score.
const (
	RiskLevelLow      = "low"
	RiskLevelMedium   = "medium"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"
)

// Score modifiers added on top of the stored base profile.
const (
	riskNonCompliantDevice = 25
	riskImpossibleTravel   = 40
	riskUnknownLocation    = 15
	riskExternalZone       = 10
	riskOffHours           = 10
	riskMax                = 100
)

// RiskLevelFor maps a score to its band: <30 low, <60 medium, <85 high,
// otherwise critical.
func RiskLevelFor(score int) string {
	switch {
	case score < 30:
		return RiskLevelLow
	case score < 60:
		return RiskLevelMedium
	case score < 85:
		return RiskLevelHigh
	default:
		return RiskLevelCritical
	}
}

// RiskScorer aggregates a request risk score from the stored profile and the
// request context signals.
type RiskScorer struct {
	profiles RiskProfileStore
	log      logger.Logger
}

func NewRiskScorer(profiles RiskProfileStore, log logger.Logger) *RiskScorer {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &RiskScorer{profiles: profiles, log: log}
}

// Score computes the capped aggregate. A failing profile lookup contributes
// a zero base and is logged; risk signals still accumulate.
func (s *RiskScorer) Score(ctx context.Context, principalID string, attrs *AttributeSet) int {
	score := 0
	if s.profiles != nil {
		base, err := s.profiles.BaseRiskScore(ctx, principalID)
		if err != nil {
			s.log.Error("risk profile lookup failed", "principal_id", principalID, "error", err)
		} else {
			score = base
		}
	}

	if fingerprint, _ := attrs.Context["device_fingerprint"].(string); fingerprint == "" {
		score += riskNonCompliantDevice
	}
	if travel, _ := attrs.Context["impossible_travel"].(bool); travel {
		score += riskImpossibleTravel
	}
	if loc, _ := attrs.Context["location"].(string); loc == "" {
		score += riskUnknownLocation
	}
	if zone, _ := attrs.Context["network_zone"].(string); zone == "external" {
		score += riskExternalZone
	}
	if business, ok := attrs.Environment["is_business_hours"].(bool); ok && !business {
		score += riskOffHours
	}

	if score > riskMax {
		score = riskMax
	}
	return score
}
