package shield

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/shield/logger"
)

// ContextPolicy restricts access to a resource type across four independent
// axes. Axes left nil or disabled impose no constraint.
type ContextPolicy struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	ResourceType string `json:"resource_type" yaml:"resource_type"`

	Time     *TimeRestriction     `json:"time,omitempty" yaml:"time,omitempty"`
	Location *LocationRestriction `json:"location,omitempty" yaml:"location,omitempty"`
	Device   *DeviceRestriction   `json:"device,omitempty" yaml:"device,omitempty"`
	Risk     *RiskRestriction     `json:"risk,omitempty" yaml:"risk,omitempty"`
}

// TimeRestriction is an allowed days-of-week list plus a time-of-day window.
// A window whose start is later than its end wraps across midnight.
type TimeRestriction struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	AllowedDays []string `json:"allowed_days" yaml:"allowed_days"`
	StartTime   string   `json:"start_time" yaml:"start_time"` // "HH:MM"
	EndTime     string   `json:"end_time" yaml:"end_time"`
}

// LocationRestriction checks denied countries before allowed ones; an
// unknown location fails when the restriction is enabled. The network-zone
// allow list is independent of the country checks.
type LocationRestriction struct {
	Enabled             bool     `json:"enabled" yaml:"enabled"`
	AllowedCountries    []string `json:"allowed_countries" yaml:"allowed_countries"`
	DeniedCountries     []string `json:"denied_countries" yaml:"denied_countries"`
	AllowedNetworkZones []string `json:"allowed_network_zones" yaml:"allowed_network_zones"`
}

// DeviceRestriction requires the context device to be trusted and active in
// the device store, optionally constrained to a device-type list.
type DeviceRestriction struct {
	Enabled            bool     `json:"enabled" yaml:"enabled"`
	AllowedDeviceTypes []string `json:"allowed_device_types" yaml:"allowed_device_types"`
}

// RiskRestriction fails the gate above MaxAllowedRiskScore and, from
// HighRiskThreshold upward, demands a step-up even when otherwise allowed.
type RiskRestriction struct {
	Enabled             bool           `json:"enabled" yaml:"enabled"`
	MaxAllowedRiskScore int            `json:"max_allowed_risk_score" yaml:"max_allowed_risk_score"`
	HighRiskThreshold   int            `json:"high_risk_threshold" yaml:"high_risk_threshold"`
	StepUpAction        RequiredAction `json:"step_up_action" yaml:"step_up_action"`
}

// ContextResult is the gate's aggregate verdict for one request
type ContextResult struct {
	Allowed        bool
	Reasons        []string
	RiskScore      int
	RiskLevel      string
	RequiredAction RequiredAction
}

// ContextEvaluator runs the four gates for every context policy bound to the
// request's resource type. All failing reasons are collected, not just the
// first.
type ContextEvaluator struct {
	policies ContextPolicyStore
	devices  DeviceStore
	scorer   *RiskScorer
	log      logger.Logger
}

func NewContextEvaluator(policies ContextPolicyStore, devices DeviceStore, scorer *RiskScorer, log logger.Logger) *ContextEvaluator {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &ContextEvaluator{policies: policies, devices: devices, scorer: scorer, log: log}
}

func (e *ContextEvaluator) Evaluate(ctx context.Context, req *AccessRequest, attrs *AttributeSet) ContextResult {
	res := ContextResult{Allowed: true}
	if e.scorer != nil {
		res.RiskScore = e.scorer.Score(ctx, req.PrincipalID, attrs)
		res.RiskLevel = RiskLevelFor(res.RiskScore)
	}
	if e.policies == nil {
		return res
	}

	policies, err := e.policies.PoliciesForResourceType(ctx, req.ResourceType)
	if err != nil {
		// fail secure: an unreachable policy store denies
		e.log.Error("context policy lookup failed", "resource_type", req.ResourceType, "error", err)
		res.Allowed = false
		res.Reasons = append(res.Reasons, "context policy store unavailable")
		return res
	}

	for _, cp := range policies {
		if cp.Time != nil && cp.Time.Enabled {
			if ok, why := e.checkTime(cp.Time, attrs); !ok {
				res.Allowed = false
				res.Reasons = append(res.Reasons, why)
			}
		}
		if cp.Location != nil && cp.Location.Enabled {
			for _, why := range e.checkLocation(cp.Location, attrs) {
				res.Allowed = false
				res.Reasons = append(res.Reasons, why)
			}
		}
		if cp.Device != nil && cp.Device.Enabled {
			if ok, why := e.checkDevice(ctx, cp.Device, req.PrincipalID, attrs); !ok {
				res.Allowed = false
				res.Reasons = append(res.Reasons, why)
			}
		}
		if cp.Risk != nil && cp.Risk.Enabled {
			if res.RiskScore > cp.Risk.MaxAllowedRiskScore {
				res.Allowed = false
				res.Reasons = append(res.Reasons, fmt.Sprintf("risk score %d exceeds maximum %d", res.RiskScore, cp.Risk.MaxAllowedRiskScore))
			}
			if cp.Risk.HighRiskThreshold > 0 && res.RiskScore >= cp.Risk.HighRiskThreshold {
				action := cp.Risk.StepUpAction
				if action == ActionNone {
					action = ActionMFA
				}
				// approval outranks mfa when multiple policies demand a step-up
				if res.RequiredAction != ActionApproval {
					res.RequiredAction = action
				}
			}
		}
	}
	return res
}

func (e *ContextEvaluator) checkTime(tr *TimeRestriction, attrs *AttributeSet) (bool, string) {
	now := envTime(attrs)
	if len(tr.AllowedDays) > 0 && !containsFold(tr.AllowedDays, now.Weekday().String()) {
		return false, "access not permitted on " + now.Weekday().String()
	}
	if tr.StartTime != "" && tr.EndTime != "" {
		start, err1 := parseClock(tr.StartTime)
		end, err2 := parseClock(tr.EndTime)
		if err1 != nil || err2 != nil {
			return false, "time restriction window is malformed"
		}
		minute := now.Hour()*60 + now.Minute()
		inWindow := false
		if start <= end {
			inWindow = minute >= start && minute <= end
		} else {
			// overnight window wraps across midnight
			inWindow = minute >= start || minute <= end
		}
		if !inWindow {
			return false, fmt.Sprintf("access outside permitted window %s-%s", tr.StartTime, tr.EndTime)
		}
	}
	return true, ""
}

func (e *ContextEvaluator) checkLocation(lr *LocationRestriction, attrs *AttributeSet) []string {
	var reasons []string
	location, _ := attrs.Context["location"].(string)
	if location == "" {
		reasons = append(reasons, "location unknown while location restriction enabled")
	} else {
		if containsFold(lr.DeniedCountries, location) {
			reasons = append(reasons, "location "+location+" is explicitly denied")
		} else if len(lr.AllowedCountries) > 0 && !containsFold(lr.AllowedCountries, location) {
			reasons = append(reasons, "location "+location+" is not in the allowed list")
		}
	}
	if len(lr.AllowedNetworkZones) > 0 {
		zone, _ := attrs.Context["network_zone"].(string)
		if zone == "" || !containsFold(lr.AllowedNetworkZones, zone) {
			reasons = append(reasons, "network zone "+zone+" is not permitted")
		}
	}
	return reasons
}

func (e *ContextEvaluator) checkDevice(ctx context.Context, dr *DeviceRestriction, principalID string, attrs *AttributeSet) (bool, string) {
	deviceID, _ := attrs.Context["device_id"].(string)
	if deviceID == "" {
		return false, "device identity missing while device restriction enabled"
	}
	if e.devices == nil {
		return false, "device store not configured"
	}
	device, err := e.devices.GetDevice(ctx, principalID, deviceID)
	if err != nil {
		e.log.Error("device lookup failed", "principal_id", principalID, "device_id", deviceID, "error", err)
		return false, "device lookup failed"
	}
	if device == nil || !device.Trusted || !device.Active {
		return false, "device " + deviceID + " is not a trusted active device"
	}
	if len(dr.AllowedDeviceTypes) > 0 && !containsFold(dr.AllowedDeviceTypes, device.DeviceType) {
		return false, "device type " + device.DeviceType + " is not permitted"
	}
	return true, ""
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func containsFold(list []string, value string) bool {
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}
