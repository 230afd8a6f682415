// Package profile loads and validates detection profile documents. A
// profile binds a user to a watchlist and, optionally, to per-pattern
// z-score overrides and a scan-interval preference. Documents carry a
// schema version so older profiles can be migrated forward and newer
// ones rejected with a clear error.
package profile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/finsight-ai/finsight/internal/detect"
)

// SchemaVersion is the current profile document schema version.
const SchemaVersion = "1.0"

// SupportedSchemaVersions lists all supported schema versions.
var SupportedSchemaVersions = []string{"1.0"}

// Threshold override bounds. Values outside this band either fire on
// noise or never fire at all.
const (
	MinThresholdZ = 2.0
	MaxThresholdZ = 5.0
)

const maxWatchlistSymbols = 100

// ErrInvalidSchema is returned when the schema version is not supported.
var ErrInvalidSchema = errors.New("invalid or unsupported schema version")

// ErrMissingRequiredField is returned when a required field is missing.
var ErrMissingRequiredField = errors.New("missing required field")

// Profile is one detection profile document.
type Profile struct {
	SchemaVersion string   `yaml:"schema_version" json:"schema_version"`
	UserID        string   `yaml:"user_id" json:"user_id"`
	Name          string   `yaml:"name,omitempty" json:"name,omitempty"`
	Watchlist     []string `yaml:"watchlist" json:"watchlist"`

	// Thresholds overrides the detection z-score per pattern type.
	// Values seed the detection_thresholds table and may later be
	// reshaped by the adaptive threshold job.
	Thresholds map[string]float64 `yaml:"detection_thresholds,omitempty" json:"detection_thresholds,omitempty"`

	// ScanInterval overrides the configured scan cadence, e.g. "5m".
	ScanInterval string `yaml:"scan_interval,omitempty" json:"scan_interval,omitempty"`
}

// Default returns the built-in profile used when no profile documents
// exist: a single "default" user over a small large-cap watchlist.
func Default() *Profile {
	return &Profile{
		SchemaVersion: SchemaVersion,
		UserID:        "default",
		Name:          "Built-in default",
		Watchlist:     []string{"AAPL", "MSFT", "NVDA", "TSLA", "SPY"},
	}
}

// ValidationError contains details about one validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// Validate checks a profile document. Returns nil if valid, or
// ValidationErrors with all issues found.
func (p *Profile) Validate() error {
	var errs ValidationErrors

	if p.SchemaVersion == "" {
		errs = append(errs, ValidationError{
			Field:   "schema_version",
			Message: "schema version is required",
		})
	} else if !IsVersionSupported(p.SchemaVersion) {
		errs = append(errs, ValidationError{
			Field:   "schema_version",
			Message: fmt.Sprintf("unsupported schema version %s, supported: %v", p.SchemaVersion, SupportedSchemaVersions),
		})
	}

	if p.UserID == "" {
		errs = append(errs, ValidationError{
			Field:   "user_id",
			Message: "user id is required",
		})
	} else if len(p.UserID) > 64 {
		errs = append(errs, ValidationError{
			Field:   "user_id",
			Message: "user id must be 64 characters or less",
		})
	}

	if len(p.Name) > 100 {
		errs = append(errs, ValidationError{
			Field:   "name",
			Message: "name must be 100 characters or less",
		})
	}

	errs = append(errs, p.validateWatchlist()...)
	errs = append(errs, p.validateThresholds()...)

	if p.ScanInterval != "" {
		d, err := time.ParseDuration(p.ScanInterval)
		if err != nil {
			errs = append(errs, ValidationError{
				Field:   "scan_interval",
				Message: fmt.Sprintf("invalid duration %q", p.ScanInterval),
			})
		} else if d < time.Minute {
			errs = append(errs, ValidationError{
				Field:   "scan_interval",
				Message: "scan interval must be at least 1m",
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (p *Profile) validateWatchlist() ValidationErrors {
	var errs ValidationErrors

	if len(p.Watchlist) == 0 {
		errs = append(errs, ValidationError{
			Field:   "watchlist",
			Message: "at least one symbol is required",
		})
		return errs
	}
	if len(p.Watchlist) > maxWatchlistSymbols {
		errs = append(errs, ValidationError{
			Field:   "watchlist",
			Message: fmt.Sprintf("maximum %d symbols allowed", maxWatchlistSymbols),
		})
	}

	for i, symbol := range p.Watchlist {
		trimmed := strings.TrimSpace(symbol)
		if trimmed == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("watchlist[%d]", i),
				Message: "symbol cannot be empty",
			})
			continue
		}
		if strings.ContainsAny(trimmed, " \t") {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("watchlist[%d]", i),
				Message: fmt.Sprintf("symbol %q cannot contain whitespace", symbol),
			})
		}
		if len(trimmed) > 12 {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("watchlist[%d]", i),
				Message: fmt.Sprintf("symbol %q must be 12 characters or less", symbol),
			})
		}
	}

	return errs
}

func (p *Profile) validateThresholds() ValidationErrors {
	var errs ValidationErrors

	for pattern, z := range p.Thresholds {
		if !detect.IsKnownPattern(pattern) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("detection_thresholds.%s", pattern),
				Message: fmt.Sprintf("unknown pattern type, known: %v", detect.KnownPatterns()),
			})
			continue
		}
		if z < MinThresholdZ || z > MaxThresholdZ {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("detection_thresholds.%s", pattern),
				Message: fmt.Sprintf("z-score %.2f out of range [%.1f, %.1f]", z, MinThresholdZ, MaxThresholdZ),
			})
		}
	}

	return errs
}

// Normalize canonicalizes the document in place: symbols are trimmed,
// upper-cased and de-duplicated (first occurrence wins), and the user id
// is trimmed. Call after Validate.
func (p *Profile) Normalize() {
	p.UserID = strings.TrimSpace(p.UserID)

	seen := make(map[string]bool, len(p.Watchlist))
	normalized := make([]string, 0, len(p.Watchlist))
	for _, symbol := range p.Watchlist {
		s := strings.ToUpper(strings.TrimSpace(symbol))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		normalized = append(normalized, s)
	}
	p.Watchlist = normalized
}

// GetScanInterval returns the profile's scan-interval override, or the
// fallback when unset or unparseable.
func (p *Profile) GetScanInterval(fallback time.Duration) time.Duration {
	if p.ScanInterval == "" {
		return fallback
	}
	d, err := time.ParseDuration(p.ScanInterval)
	if err != nil {
		return fallback
	}
	return d
}

// EffectiveInterval returns the scan cadence across a set of profiles:
// the smallest interval any profile requests, or the fallback when no
// profile overrides it. The supervisor runs one clock, so the fastest
// requested cadence wins.
func EffectiveInterval(profiles []*Profile, fallback time.Duration) time.Duration {
	var interval time.Duration
	for _, p := range profiles {
		if p == nil || p.ScanInterval == "" {
			continue
		}
		d := p.GetScanInterval(fallback)
		if interval == 0 || d < interval {
			interval = d
		}
	}
	if interval == 0 {
		return fallback
	}
	return interval
}
