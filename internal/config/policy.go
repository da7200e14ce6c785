package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// RetrySettings is the retry budget applied to a tenant's delivery jobs.
type RetrySettings struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1,lte=25"`
	BaseDelay   time.Duration `mapstructure:"base_delay" validate:"gte=0"`
	MaxDelay    time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
}

// TenantPolicies holds the default retry settings and per-tenant overrides.
// Tenant ids are matched case-insensitively.
type TenantPolicies struct {
	Default RetrySettings            `mapstructure:"default"`
	Tenants map[string]RetrySettings `mapstructure:"tenants" validate:"dive"`
}

func DefaultPolicies(c *Config) *TenantPolicies {
	return &TenantPolicies{
		Default: RetrySettings{
			MaxAttempts: c.RetryMaxAttempts,
			BaseDelay:   c.RetryBaseDelay,
			MaxDelay:    c.RetryMaxDelay,
		},
		Tenants: map[string]RetrySettings{},
	}
}

// LoadPolicies reads a YAML policy file on top of the env defaults. Fields
// missing from a tenant entry inherit the default.
func LoadPolicies(path string, defaults RetrySettings) (*TenantPolicies, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	v.SetDefault("default.max_attempts", defaults.MaxAttempts)
	v.SetDefault("default.base_delay", defaults.BaseDelay)
	v.SetDefault("default.max_delay", defaults.MaxDelay)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read tenant policy file %s", path)
	}

	p := &TenantPolicies{}
	if err := v.Unmarshal(p); err != nil {
		return nil, errors.Wrap(err, "invalid tenant policy file")
	}

	// only fields absent from the file inherit; an explicit zero stays zero
	for tenant, s := range p.Tenants {
		key := "tenants." + tenant + "."
		if !v.IsSet(key + "max_attempts") {
			s.MaxAttempts = p.Default.MaxAttempts
		}
		if !v.IsSet(key + "base_delay") {
			s.BaseDelay = p.Default.BaseDelay
		}
		if !v.IsSet(key + "max_delay") {
			s.MaxDelay = p.Default.MaxDelay
		}
		p.Tenants[tenant] = s
	}

	if err := validator.New().Struct(p); err != nil {
		return nil, errors.Wrap(err, "invalid tenant policy")
	}
	return p, nil
}

func (p *TenantPolicies) For(tenantID string) RetrySettings {
	if s, ok := p.Tenants[strings.ToLower(tenantID)]; ok {
		return s
	}
	return p.Default
}
