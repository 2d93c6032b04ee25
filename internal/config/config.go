package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
)

const (
	StoreGorm = "gorm"
	StorePgx  = "pgx"

	defaultDatabaseURL    = "sqlite:///tmp/creditledger.db"
	defaultListenAddr     = ":8080"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultSessionIssuer  = "tauth"
	defaultSessionCookie  = "app_session"
	defaultAdminRole      = "admin"
	defaultRequestTimeout = 5 * time.Second
)

// Config aggregates runtime settings for creditd.
type Config struct {
	DatabaseURL        string
	Store              string
	ListenAddr         string
	AllowedOrigins     []string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	AdminRole          string
	RequestTimeout     time.Duration
	SweepSchedule      string
	EquipmentCreditCap int64
}

// Validate fills defaults and checks the settings every command needs.
// An empty SweepSchedule is kept; it disables the background sweep.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.Store = strings.ToLower(defaultIfEmpty(cfg.Store, StoreGorm))
	if cfg.EquipmentCreditCap == 0 {
		cfg.EquipmentCreditCap = credits.DefaultEquipmentCreditCap
	}
	switch cfg.Store {
	case StoreGorm:
	case StorePgx:
		if !IsPostgresURL(cfg.DatabaseURL) {
			return fmt.Errorf("store %q requires a postgres database url", StorePgx)
		}
	default:
		return fmt.Errorf("unknown store %q", cfg.Store)
	}
	if cfg.EquipmentCreditCap < 0 {
		return fmt.Errorf("equipment credit cap must be positive")
	}
	return nil
}

// ValidateServer runs Validate and checks the HTTP and session settings.
func (cfg *Config) ValidateServer() error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.AdminRole = defaultIfEmpty(cfg.AdminRole, defaultAdminRole)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

// IsPostgresURL reports whether url uses a postgres scheme.
func IsPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
