package eligibility

import (
	"errors"
	"fmt"

	"github.com/BurntSushi/toml"
)

type DonationType string

const (
	WholeBlood DonationType = "whole_blood"
	Plasma     DonationType = "plasma"
)

var ErrUnknownDonationType = errors.New("unknown donation type")

// ParseDonationType accepts the wire representation used by the booking UI.
func ParseDonationType(s string) (DonationType, error) {
	switch DonationType(s) {
	case WholeBlood, Plasma:
		return DonationType(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownDonationType, s)
	}
}

func (t DonationType) Label() string {
	switch t {
	case WholeBlood:
		return "whole blood"
	case Plasma:
		return "plasma"
	default:
		return string(t)
	}
}

// Rule is the per-type policy. AnnualCap of 0 disables the cap.
type Rule struct {
	MinIntervalDays int `toml:"min_interval_days"`
	AnnualCap       int `toml:"annual_cap"`
}

type Rules struct {
	Jurisdiction string
	Types        map[DonationType]Rule
}

func DefaultRules() Rules {
	return Rules{
		Jurisdiction: "default",
		Types: map[DonationType]Rule{
			WholeBlood: {MinIntervalDays: 90, AnnualCap: 4},
			Plasma:     {MinIntervalDays: 14},
		},
	}
}

type rulesFile struct {
	Jurisdiction string          `toml:"jurisdiction"`
	Types        map[string]Rule `toml:"types"`
}

// LoadRules reads a jurisdiction profile and overlays it on DefaultRules.
// Types absent from the file keep their default policy.
//
//	jurisdiction = "DE"
//
//	[types.whole_blood]
//	min_interval_days = 56
//	annual_cap = 6
func LoadRules(path string) (Rules, error) {
	var f rulesFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return Rules{}, fmt.Errorf("decode rules file %s: %w", path, err)
	}

	rules := DefaultRules()
	if f.Jurisdiction != "" {
		rules.Jurisdiction = f.Jurisdiction
	}
	for name, rule := range f.Types {
		t, err := ParseDonationType(name)
		if err != nil {
			return Rules{}, fmt.Errorf("rules file %s: %w", path, err)
		}
		if rule.MinIntervalDays < 0 || rule.AnnualCap < 0 {
			return Rules{}, fmt.Errorf("rules file %s: negative limits for %s", path, t)
		}
		rules.Types[t] = rule
	}

	return rules, nil
}
