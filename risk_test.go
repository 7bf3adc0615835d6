package shield

import (
	"context"
	"errors"
	"testing"
)

type staticRiskProfiles map[string]int

func (s staticRiskProfiles) BaseRiskScore(_ context.Context, principalID string) (int, error) {
	base, ok := s[principalID]
	if !ok {
		return 0, nil
	}
	return base, nil
}

type failingRiskProfiles struct{}

func (failingRiskProfiles) BaseRiskScore(context.Context, string) (int, error) {
	return 0, errors.New("profile backend down")
}

func TestRiskLevelBands(t *testing.T) {
	cases := []struct {
		score int
		want  string
	}{
		{0, RiskLevelLow},
		{29, RiskLevelLow},
		{30, RiskLevelMedium},
		{59, RiskLevelMedium},
		{60, RiskLevelHigh},
		{84, RiskLevelHigh},
		{85, RiskLevelCritical},
		{100, RiskLevelCritical},
	}
	for _, tc := range cases {
		if got := RiskLevelFor(tc.score); got != tc.want {
			t.Errorf("RiskLevelFor(%d) = %q, want %q", tc.score, got, tc.want)
		}
	}
}

func cleanAttrs() *AttributeSet {
	return &AttributeSet{
		Subject:  map[string]any{},
		Resource: map[string]any{},
		Environment: map[string]any{
			"is_business_hours": true,
		},
		Context: map[string]any{
			"device_fingerprint": "fp-clean",
			"location":           "US",
			"network_zone":       "internal",
		},
	}
}

func TestRiskScoreModifiers(t *testing.T) {
	scorer := NewRiskScorer(staticRiskProfiles{"alice": 10}, nil)
	ctx := context.Background()

	if got := scorer.Score(ctx, "alice", cleanAttrs()); got != 10 {
		t.Fatalf("clean context should keep the base score, got %d", got)
	}

	attrs := cleanAttrs()
	attrs.Context["device_fingerprint"] = ""
	if got := scorer.Score(ctx, "alice", attrs); got != 35 {
		t.Fatalf("missing fingerprint adds 25, got %d", got)
	}

	attrs = cleanAttrs()
	attrs.Context["impossible_travel"] = true
	if got := scorer.Score(ctx, "alice", attrs); got != 50 {
		t.Fatalf("impossible travel adds 40, got %d", got)
	}

	attrs = cleanAttrs()
	attrs.Context["location"] = ""
	attrs.Context["network_zone"] = "external"
	attrs.Environment["is_business_hours"] = false
	if got := scorer.Score(ctx, "alice", attrs); got != 45 {
		t.Fatalf("unknown location + external zone + off hours adds 35, got %d", got)
	}
}

func TestRiskScoreCap(t *testing.T) {
	scorer := NewRiskScorer(staticRiskProfiles{"bob": 60}, nil)

	attrs := cleanAttrs()
	attrs.Context["device_fingerprint"] = ""
	attrs.Context["impossible_travel"] = true
	attrs.Context["location"] = ""

	if got := scorer.Score(context.Background(), "bob", attrs); got != 100 {
		t.Fatalf("score must cap at 100, got %d", got)
	}
}

func TestRiskScoreProfileFailure(t *testing.T) {
	scorer := NewRiskScorer(failingRiskProfiles{}, nil)
	// profile lookup failure contributes a zero base, signals still count
	attrs := cleanAttrs()
	attrs.Context["network_zone"] = "external"
	if got := scorer.Score(context.Background(), "ghost", attrs); got != 10 {
		t.Fatalf("failing profile store keeps signal score only, got %d", got)
	}
}
