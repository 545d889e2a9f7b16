// Package timing computes randomized, context-sensitive pacing for harvesting runs.
package timing

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

// ProfileName identifies a pacing profile.
type ProfileName string

// Pacing profiles, ordered from fastest to most cautious.
const (
	ProfileAggressive ProfileName = "AGGRESSIVE"
	ProfileNormal     ProfileName = "NORMAL"
	ProfileCautious   ProfileName = "CAUTIOUS"
	ProfileRecovery   ProfileName = "RECOVERY"
)

var escalation = []ProfileName{ProfileAggressive, ProfileNormal, ProfileCautious, ProfileRecovery}

// Rank orders profiles by caution; unknown names rank as NORMAL.
func (p ProfileName) Rank() int {
	for i, name := range escalation {
		if name == p {
			return i
		}
	}
	return 1
}

// Escalate returns the next more cautious profile, saturating at RECOVERY.
func (p ProfileName) Escalate() ProfileName {
	r := p.Rank()
	if r+1 >= len(escalation) {
		return ProfileRecovery
	}
	return escalation[r+1]
}

// ParseProfile validates a profile name.
func ParseProfile(s string) (ProfileName, error) {
	for _, name := range escalation {
		if string(name) == s {
			return name, nil
		}
	}
	return "", fmt.Errorf("unknown timing profile %q", s)
}

// Profile is one frozen pacing tuple.
type Profile struct {
	Name                 ProfileName `yaml:"-" json:"name"`
	MinDelayMs           int64       `yaml:"min_delay_ms" json:"min_delay_ms"`
	MaxDelayMs           int64       `yaml:"max_delay_ms" json:"max_delay_ms"`
	JitterFactor         float64     `yaml:"jitter_factor" json:"jitter_factor"`
	InterRequestDelayMs  int64       `yaml:"inter_request_delay_ms" json:"inter_request_delay_ms"`
	BatchCooldownMs      int64       `yaml:"batch_cooldown_ms" json:"batch_cooldown_ms"`
	MaxRequestsPerMinute int         `yaml:"max_requests_per_minute" json:"max_requests_per_minute"`
}

// Table is the immutable profile set. Lookups return copies.
type Table struct {
	profiles map[ProfileName]Profile
}

// Get returns the named profile.
func (t Table) Get(name ProfileName) (Profile, bool) {
	p, ok := t.profiles[name]
	return p, ok
}

// MustGet returns the named profile, falling back to NORMAL.
func (t Table) MustGet(name ProfileName) Profile {
	if p, ok := t.profiles[name]; ok {
		return p
	}
	return t.profiles[ProfileNormal]
}

//go:embed profiles.yaml
var profilesYAML []byte

// ParseTable decodes a profile table and checks that every profile is present and sane.
func ParseTable(raw []byte) (Table, error) {
	var doc struct {
		Profiles map[ProfileName]Profile `yaml:"profiles"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Table{}, fmt.Errorf("decode profiles: %w", err)
	}
	out := make(map[ProfileName]Profile, len(escalation))
	for _, name := range escalation {
		p, ok := doc.Profiles[name]
		if !ok {
			return Table{}, fmt.Errorf("profile %s missing", name)
		}
		if p.MinDelayMs <= 0 || p.MaxDelayMs < p.MinDelayMs {
			return Table{}, fmt.Errorf("profile %s: invalid delay range [%d,%d]", name, p.MinDelayMs, p.MaxDelayMs)
		}
		if p.MaxRequestsPerMinute <= 0 {
			return Table{}, fmt.Errorf("profile %s: max_requests_per_minute must be > 0", name)
		}
		p.Name = name
		out[name] = p
	}
	return Table{profiles: out}, nil
}

var defaultTable = mustParse(profilesYAML)

func mustParse(raw []byte) Table {
	t, err := ParseTable(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// DefaultTable returns the embedded profile table.
func DefaultTable() Table {
	return defaultTable
}
