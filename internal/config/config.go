package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/treasuryops/guard/internal/rbac"
)

// EnvPrefix prefixes every environment override, e.g. TREASURY_GUARD_TOKEN_SECRET.
const EnvPrefix = "TREASURY_GUARD"

const minSecretLen = 32

type TokenConfig struct {
	Secret     string        `mapstructure:"secret"`
	Issuer     string        `mapstructure:"issuer"`
	AccessTTL  time.Duration `mapstructure:"access_ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh_ttl"`
}

type AuthConfig struct {
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	MaxFailedAttempts int           `mapstructure:"max_failed_attempts"`
	LockoutDuration   time.Duration `mapstructure:"lockout_duration"`
	AttemptsPerSecond float64       `mapstructure:"attempts_per_second"`
	AttemptBurst      int           `mapstructure:"attempt_burst"`
}

type AuthzConfig struct {
	BusinessHoursStart  int            `mapstructure:"business_hours_start"`
	BusinessHoursEnd    int            `mapstructure:"business_hours_end"`
	Timezone            string         `mapstructure:"timezone"`
	ElevatedRoles       []string       `mapstructure:"elevated_roles"`
	RestrictedCountries []string       `mapstructure:"restricted_countries"`
	LowTierLimit        float64        `mapstructure:"low_tier_limit"`
	MediumTierLimit     float64        `mapstructure:"medium_tier_limit"`
	Roles               []rbac.RoleDef `mapstructure:"roles"`
}

type AuditConfig struct {
	LargeAmount           float64 `mapstructure:"large_amount"`
	LoginFailureThreshold int     `mapstructure:"login_failure_threshold"`
	HighSeverityThreshold int     `mapstructure:"high_severity_threshold"`
	PostgresDSN           string  `mapstructure:"postgres_dsn"`
}

type KeysConfig struct {
	RotationInterval time.Duration `mapstructure:"rotation_interval"`
	RotationLead     time.Duration `mapstructure:"rotation_lead"`
	RSABits          int           `mapstructure:"rsa_bits"`
}

type JobsConfig struct {
	SessionSweep string `mapstructure:"session_sweep"`
	KeyRotation  string `mapstructure:"key_rotation"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

// SeedUser is a directory entry created at startup.
type SeedUser struct {
	Username     string   `mapstructure:"username"`
	Email        string   `mapstructure:"email"`
	Role         string   `mapstructure:"role"`
	EntityAccess []string `mapstructure:"entity_access"`
	PasswordHash string   `mapstructure:"password_hash"`
	Active       bool     `mapstructure:"active"`
}

type DirectoryConfig struct {
	Users []SeedUser `mapstructure:"users"`
}

type Config struct {
	Env       string          `mapstructure:"env"`
	Token     TokenConfig     `mapstructure:"token"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Authz     AuthzConfig     `mapstructure:"authz"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Keys      KeysConfig      `mapstructure:"keys"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Directory DirectoryConfig `mapstructure:"directory"`
}

// Load reads defaults, the optional YAML file at path and TREASURY_GUARD_*
// environment overrides, in increasing precedence.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("token.secret", "")
	v.SetDefault("token.issuer", "treasury-guard")
	v.SetDefault("token.access_ttl", "1h")
	v.SetDefault("token.refresh_ttl", "720h") // 30 days

	v.SetDefault("auth.session_ttl", "30m")
	v.SetDefault("auth.max_failed_attempts", 5)
	v.SetDefault("auth.lockout_duration", "15m")
	v.SetDefault("auth.attempts_per_second", 5)
	v.SetDefault("auth.attempt_burst", 10)

	v.SetDefault("authz.business_hours_start", 9)
	v.SetDefault("authz.business_hours_end", 18)
	v.SetDefault("authz.timezone", "UTC")
	v.SetDefault("authz.elevated_roles", []string{rbac.RoleCFO, rbac.RoleSystemAdmin})
	v.SetDefault("authz.restricted_countries", []string{"CU", "IR", "KP", "SY"})
	v.SetDefault("authz.low_tier_limit", 50_000)
	v.SetDefault("authz.medium_tier_limit", 250_000)

	v.SetDefault("audit.large_amount", 1_000_000)
	v.SetDefault("audit.login_failure_threshold", 5)
	v.SetDefault("audit.high_severity_threshold", 3)
	v.SetDefault("audit.postgres_dsn", "")

	v.SetDefault("keys.rotation_interval", "2160h") // 90 days
	v.SetDefault("keys.rotation_lead", "168h")
	v.SetDefault("keys.rsa_bits", 2048)

	v.SetDefault("jobs.session_sweep", "@every 1m")
	v.SetDefault("jobs.key_rotation", "@every 1h")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("http.addr", ":9090")
	v.SetDefault("http.trusted_proxies", []string{})
}

// Validate reports every problem found, joined.
func (c Config) Validate() error {
	var errs []error
	if len(c.Token.Secret) < minSecretLen {
		errs = append(errs, fmt.Errorf("token.secret must be at least %d bytes", minSecretLen))
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		errs = append(errs, errors.New("token ttls must be positive"))
	} else if c.Token.RefreshTTL < c.Token.AccessTTL {
		errs = append(errs, errors.New("token.refresh_ttl must not be shorter than token.access_ttl"))
	}
	if c.Auth.SessionTTL <= 0 || c.Auth.LockoutDuration <= 0 {
		errs = append(errs, errors.New("auth.session_ttl and auth.lockout_duration must be positive"))
	}
	if c.Auth.MaxFailedAttempts < 1 {
		errs = append(errs, errors.New("auth.max_failed_attempts must be at least 1"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Rules().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Keys.RotationInterval <= 0 || c.Keys.RotationLead < 0 || c.Keys.RotationLead >= c.Keys.RotationInterval {
		errs = append(errs, errors.New("keys.rotation_lead must be in [0, keys.rotation_interval)"))
	}
	if c.Keys.RSABits < 2048 {
		errs = append(errs, errors.New("keys.rsa_bits must be at least 2048"))
	}
	for i, u := range c.Directory.Users {
		if strings.TrimSpace(u.Username) == "" || u.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("directory.users[%d]: username and password_hash are required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Location resolves authz.timezone.
func (c Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Authz.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("authz.timezone: %w", err)
	}
	return loc, nil
}

// Rules converts the authz section into rbac business rules. An unknown
// timezone falls back to UTC; Validate reports it.
func (c Config) Rules() rbac.Rules {
	loc, err := c.Location()
	if err != nil {
		loc = time.UTC
	}
	return rbac.Rules{
		BusinessHoursStart:  c.Authz.BusinessHoursStart,
		BusinessHoursEnd:    c.Authz.BusinessHoursEnd,
		Location:            loc,
		ElevatedRoles:       c.Authz.ElevatedRoles,
		RestrictedCountries: c.Authz.RestrictedCountries,
		LowTierLimit:        c.Authz.LowTierLimit,
		MediumTierLimit:     c.Authz.MediumTierLimit,
	}
}

// RoleDefs returns the configured role catalog, or the built-in one.
func (c Config) RoleDefs() []rbac.RoleDef {
	if len(c.Authz.Roles) > 0 {
		return c.Authz.Roles
	}
	return rbac.DefaultRoles()
}
