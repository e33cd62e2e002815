// Package plan maps subscription tiers to usage limits. Tiers come from a YAML file and can be reloaded
// while the service runs. Enricher stamps the principal's tier, limits and remaining quota into the
// plan container of a preferences document.
package plan

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// Unlimited marks a limit without a cap
const Unlimited = -1

// Config is the plans file
type Config struct {
	Default string          `yaml:"default" json:"default" jsonschema:"description=tier used for principals with unknown or empty plan"`
	Tiers   map[string]Tier `yaml:"tiers" json:"tiers" jsonschema:"description=tiers by name"`
}

// Tier is a single subscription plan
type Tier struct {
	Title  string `yaml:"title" json:"title,omitempty" jsonschema:"description=human readable name"`
	Limits Limits `yaml:"limits" json:"limits"`
}

// Limits of a tier per billing period, -1 for unlimited
type Limits struct {
	SearchesPerMonth int `yaml:"searchesPerMonth" json:"searchesPerMonth" jsonschema:"minimum=-1"`
	CVGenerations    int `yaml:"cvGenerations" json:"cvGenerations" jsonschema:"minimum=-1"`
	CoverLetters     int `yaml:"coverLetters" json:"coverLetters" jsonschema:"minimum=-1"`
	SavedJobs        int `yaml:"savedJobs" json:"savedJobs" jsonschema:"minimum=-1"`
}

var tierNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// DefaultConfig is used when no plans file is given
func DefaultConfig() Config {
	return Config{
		Default: "free",
		Tiers: map[string]Tier{
			"free": {Title: "Free", Limits: Limits{SearchesPerMonth: 20, CVGenerations: 3, CoverLetters: 3, SavedJobs: 25}},
			"pro": {Title: "Pro", Limits: Limits{SearchesPerMonth: Unlimited, CVGenerations: 50, CoverLetters: 50,
				SavedJobs: Unlimited}},
		},
	}
}

// Load reads and validates the plans file
func Load(file string) (Config, error) {
	data, err := os.ReadFile(file) //nolint:gosec // file from cli options
	if err != nil {
		return Config{}, fmt.Errorf("can't read plans file %s: %w", file, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("can't parse plans file %s: %w", file, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid plans file %s: %w", file, err)
	}
	return cfg, nil
}

// Validate checks tier names, limits and the default tier
func (c Config) Validate() error {
	if len(c.Tiers) == 0 {
		return errors.New("at least one tier is required")
	}
	for _, name := range c.Names() {
		if !tierNameRe.MatchString(name) {
			return fmt.Errorf("tier %q: name must be lowercase letters, digits, '_' or '-'", name)
		}
		l := c.Tiers[name].Limits
		for field, v := range map[string]int{"searchesPerMonth": l.SearchesPerMonth, "cvGenerations": l.CVGenerations,
			"coverLetters": l.CoverLetters, "savedJobs": l.SavedJobs} {
			if v < Unlimited {
				return fmt.Errorf("tier %q: %s must be %d (unlimited) or more, got %d", name, field, Unlimited, v)
			}
		}
	}
	if c.Default == "" {
		return errors.New("default tier is required")
	}
	if _, ok := c.Tiers[c.Default]; !ok {
		return fmt.Errorf("default tier %q is not defined", c.Default)
	}
	return nil
}

// Names returns sorted tier names
func (c Config) Names() []string {
	res := make([]string, 0, len(c.Tiers))
	for name := range c.Tiers {
		res = append(res, name)
	}
	sort.Strings(res)
	return res
}

// Lookup returns the tier by name, falling back to the default tier. ok is false on fallback.
func (c Config) Lookup(name string) (tierName string, tier Tier, ok bool) {
	if t, found := c.Tiers[name]; found {
		return name, t, true
	}
	return c.Default, c.Tiers[c.Default], false
}
