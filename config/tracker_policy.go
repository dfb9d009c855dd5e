package config

import (
	"fmt"
	"strings"

	"tracker_server/core/domain"
	"tracker_server/core/service/detection"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// PolicyEnvPrefix prefixes environment overrides for the policy file.
// Nested keys are separated by a double underscore, for example
// TRACKER_POLICY_DETECTION__THRESHOLD=30.
const PolicyEnvPrefix = "TRACKER_POLICY_"

// Policy holds the tunable detection and followup defaults.
type Policy struct {
	Detection detection.Policy        `koanf:"detection"`
	Followup  domain.FollowupSettings `koanf:"followup"`
}

func policyDefaults() map[string]interface{} {
	d := detection.DefaultPolicy()
	f := domain.DefaultFollowupSettings()
	days := make([]interface{}, len(f.WorkingHours.Days))
	for i, day := range f.WorkingHours.Days {
		days[i] = int(day)
	}

	return map[string]interface{}{
		"detection.weights.headers":       d.Weights.Headers,
		"detection.weights.thread":        d.Weights.Thread,
		"detection.weights.subject":       d.Weights.Subject,
		"detection.weights.body":          d.Weights.Body,
		"detection.threshold":             d.Threshold,
		"detection.subject_scan_limit":    d.SubjectScanLimit,
		"followup.enabled":                f.Enabled,
		"followup.max_followups":          f.MaxFollowups,
		"followup.first_delay_hours":      f.FirstDelayHours,
		"followup.interval_hours":         f.IntervalHours,
		"followup.working_hours.enabled":  f.WorkingHours.Enabled,
		"followup.working_hours.timezone": f.WorkingHours.Timezone,
		"followup.working_hours.start":    f.WorkingHours.Start,
		"followup.working_hours.end":      f.WorkingHours.End,
		"followup.working_hours.days":     days,
	}
}

// LoadPolicy loads defaults, then the optional TOML file at path, then
// TRACKER_POLICY_ environment overrides.
func LoadPolicy(path string) (*Policy, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(policyDefaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading policy defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading policy file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(PolicyEnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, PolicyEnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("error loading policy env: %w", err)
	}

	var p Policy
	if err := k.Unmarshal("", &p); err != nil {
		return nil, fmt.Errorf("error unmarshalling policy: %w", err)
	}

	if err := p.Detection.Validate(); err != nil {
		return nil, err
	}
	if err := p.Followup.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
