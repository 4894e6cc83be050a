package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/SiriusScan/code-audit/sirius"
)

const (
	defaultMaxCustomRules         = 10
	defaultMaxDoubleCheckFindings = 100
)

// PlanLimits describes what a tenant plan may do and how much it costs.
type PlanLimits struct {
	StorageLimitBytes int64    `yaml:"storage_limit_bytes"`
	CustomRules       bool     `yaml:"custom_rules"`
	MaxCustomRules    int      `yaml:"max_custom_rules"`
	ModelTiers        []string `yaml:"model_tiers"`
	DeepCodeVision    bool     `yaml:"deep_code_vision"`
	// MaxDoubleCheckFindings caps max_findings on an upload's double-check.
	MaxDoubleCheckFindings int `yaml:"max_double_check_findings"`
}

// DoubleCheckLimit is MaxDoubleCheckFindings, or the default when unset.
func (p PlanLimits) DoubleCheckLimit() int {
	if p.MaxDoubleCheckFindings > 0 {
		return p.MaxDoubleCheckFindings
	}
	return defaultMaxDoubleCheckFindings
}

// AllowsTier reports whether the plan may use the given AI model tier.
func (p PlanLimits) AllowsTier(tier string) bool {
	for _, t := range p.ModelTiers {
		if t == tier {
			return true
		}
	}
	return false
}

// WithFlags returns the limits with per-tenant feature grants added on top.
// Flags only ever widen what the plan allows.
func (p PlanLimits) WithFlags(deepCodeVision, customRules bool, tiers []string) PlanLimits {
	out := p
	out.DeepCodeVision = p.DeepCodeVision || deepCodeVision
	out.CustomRules = p.CustomRules || customRules
	if out.CustomRules && out.MaxCustomRules == 0 {
		out.MaxCustomRules = defaultMaxCustomRules
	}
	out.ModelTiers = append([]string(nil), p.ModelTiers...)
	for _, t := range tiers {
		if !out.AllowsTier(t) {
			out.ModelTiers = append(out.ModelTiers, t)
		}
	}
	return out
}

// Pricing holds credit costs. Tier rates are charged per re-analyzed finding.
type Pricing struct {
	BaseCost      int64             `yaml:"base_cost"`
	CustomRuleFee int64             `yaml:"custom_rule_fee"`
	TierRates     map[string]int64  `yaml:"tier_rates"`
	TierModels    map[string]string `yaml:"tier_models"`
}

// Model returns the triage model for a tier, the tier name itself when no
// mapping is configured.
func (p Pricing) Model(tier string) string {
	if m, ok := p.TierModels[tier]; ok && m != "" {
		return m
	}
	return tier
}

// TierRate returns the per-finding rate for a tier, or false if unknown.
func (p Pricing) TierRate(tier string) (int64, bool) {
	r, ok := p.TierRates[tier]
	return r, ok
}

// Catalog is the YAML document describing plans and pricing.
type Catalog struct {
	Plans   map[sirius.Plan]PlanLimits `yaml:"plans"`
	Pricing Pricing                    `yaml:"pricing"`
}

// DefaultCatalog is used when no PLANS_FILE is configured.
func DefaultCatalog() Catalog {
	return Catalog{
		Plans: map[sirius.Plan]PlanLimits{
			sirius.PlanFree: {
				StorageLimitBytes:      500 << 20,
				ModelTiers:             []string{"standard"},
				MaxDoubleCheckFindings: 25,
			},
			sirius.PlanPremium: {
				StorageLimitBytes:      10 << 30,
				CustomRules:            true,
				MaxCustomRules:         10,
				ModelTiers:             []string{"standard", "advanced"},
				DeepCodeVision:         true,
				MaxDoubleCheckFindings: 500,
			},
			sirius.PlanEnterprise: {
				StorageLimitBytes:      100 << 30,
				CustomRules:            true,
				MaxCustomRules:         50,
				ModelTiers:             []string{"standard", "advanced", "expert"},
				DeepCodeVision:         true,
				MaxDoubleCheckFindings: 5000,
			},
		},
		Pricing: Pricing{
			BaseCost:      5,
			CustomRuleFee: 2,
			TierRates: map[string]int64{
				"standard": 1,
				"advanced": 3,
				"expert":   8,
			},
			TierModels: map[string]string{
				"standard": "triage-standard",
				"advanced": "triage-advanced",
				"expert":   "triage-expert",
			},
		},
	}
}

// PlanCatalog is a concurrency-safe holder of the current Catalog.
type PlanCatalog struct {
	mu      sync.RWMutex
	catalog Catalog
	path    string
}

// NewPlanCatalog returns a catalog seeded with c.
func NewPlanCatalog(c Catalog) *PlanCatalog {
	return &PlanCatalog{catalog: c}
}

// LoadPlanCatalog reads the YAML file at path. An empty path yields the
// default catalog.
func LoadPlanCatalog(path string) (*PlanCatalog, error) {
	if path == "" {
		return NewPlanCatalog(DefaultCatalog()), nil
	}
	c, err := readCatalog(path)
	if err != nil {
		return nil, err
	}
	pc := NewPlanCatalog(c)
	pc.path = path
	return pc, nil
}

func readCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read plan catalog %s: %w", path, err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse plan catalog %s: %w", path, err)
	}
	if len(c.Plans) == 0 {
		return Catalog{}, fmt.Errorf("plan catalog %s defines no plans", path)
	}
	return c, nil
}

// Limits returns the limits for plan; unknown plans get the free plan.
func (pc *PlanCatalog) Limits(plan sirius.Plan) PlanLimits {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	if l, ok := pc.catalog.Plans[plan]; ok {
		return l
	}
	return pc.catalog.Plans[sirius.PlanFree]
}

// Pricing returns the current pricing table.
func (pc *PlanCatalog) Pricing() Pricing {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.catalog.Pricing
}

// Replace swaps the catalog atomically.
func (pc *PlanCatalog) Replace(c Catalog) {
	pc.mu.Lock()
	pc.catalog = c
	pc.mu.Unlock()
}

// Watch reloads the catalog whenever its file changes, until ctx is done.
// A catalog that fails to parse is ignored and the previous one kept.
func (pc *PlanCatalog) Watch(ctx context.Context) error {
	if pc.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create plan catalog watcher: %w", err)
	}

	// Watch the directory so editors that replace the file are still seen.
	if err := watcher.Add(filepath.Dir(pc.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", pc.path, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(pc.path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				c, err := readCatalog(pc.path)
				if err != nil {
					slog.Warn("Plan catalog reload failed, keeping previous", "path", pc.path, "error", err)
					continue
				}
				pc.Replace(c)
				slog.Info("Plan catalog reloaded", "path", pc.path, "plans", len(c.Plans))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Plan catalog watcher error", "error", err)
			}
		}
	}()

	return nil
}
