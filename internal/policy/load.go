package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/gobwas/glob"
	"github.com/spf13/viper"
)

var validate = validator.New()

// Compile validates p and compiles its glob lists. On success p must not be
// mutated afterwards.
func Compile(p *Policy) (*Policy, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if err := checkRelations(p); err != nil {
		return nil, err
	}

	actions, err := compileGlobs(p.Decision.SensitiveActions)
	if err != nil {
		return nil, fmt.Errorf("%w: sensitive_actions: %v", ErrInvalidPolicy, err)
	}
	// Routes use '/' as separator so "*" stays within one path segment.
	routes, err := compileGlobs(p.Decision.SensitiveRoutes, '/')
	if err != nil {
		return nil, fmt.Errorf("%w: sensitive_routes: %v", ErrInvalidPolicy, err)
	}
	p.sensitiveActions = actions
	p.sensitiveRoutes = routes
	return p, nil
}

func checkRelations(p *Policy) error {
	t := p.Risk.Thresholds
	if !(t.Critical > t.High && t.High > t.Medium) {
		return fmt.Errorf("%w: risk thresholds must satisfy critical > high > medium (got %d/%d/%d)",
			ErrInvalidPolicy, t.Critical, t.High, t.Medium)
	}
	if longest := p.LongestPeriod(); p.Cache.CounterTTL < longest {
		return fmt.Errorf("%w: cache.counter_ttl %s is shorter than the longest velocity period %s",
			ErrInvalidPolicy, p.Cache.CounterTTL, longest)
	}
	w := p.Risk.Weights
	if w.YoungAccountDays < w.NewAccountDays {
		return fmt.Errorf("%w: young_account_days must be >= new_account_days", ErrInvalidPolicy)
	}
	// A newer account must never score lower than an older one.
	if w.NewAccount < w.YoungAccount {
		return fmt.Errorf("%w: new_account weight must be >= young_account weight", ErrInvalidPolicy)
	}
	return nil
}

func compileGlobs(patterns []string, separators ...rune) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, pat := range patterns {
		g, err := glob.Compile(pat, separators...)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pat, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// FromViper decodes the settings held by v over the built-in defaults and
// compiles the result. Lists and the velocity limit table replace the
// defaults wholesale when present in the file.
func FromViper(v *viper.Viper) (*Policy, error) {
	p := Defaults()
	if v.IsSet("velocity.limits") {
		p.Velocity.Limits = nil
	}
	if v.IsSet("decision.sensitive_actions") {
		p.Decision.SensitiveActions = nil
	}
	if v.IsSet("decision.sensitive_routes") {
		p.Decision.SensitiveRoutes = nil
	}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(p, hook); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidPolicy, err)
	}
	if !v.IsSet("version") || p.Version == "" {
		p.Version = contentVersion(v.AllSettings())
	}
	return Compile(p)
}

// Parse reads a policy document in the given format ("yaml", "json", "toml").
func Parse(data []byte, format string) (*Policy, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrInvalidPolicy, err)
	}
	return FromViper(v)
}

// contentVersion derives a stable version tag from the decoded settings.
func contentVersion(settings map[string]any) string {
	raw, err := json.Marshal(settings)
	if err != nil {
		return "unversioned"
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:6])
}
