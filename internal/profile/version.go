package profile

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// MigrationFunc migrates a profile document from one schema version to
// another.
type MigrationFunc func(*Profile) error

// migrations maps target version to migration functions.
var migrations = map[string]MigrationFunc{
	// Example: "1.1": migrateTo11,
}

// Migrate upgrades a profile document to the current schema version.
func Migrate(p *Profile) error {
	if p == nil {
		return fmt.Errorf("profile cannot be nil")
	}

	// Already at current version
	if p.SchemaVersion == SchemaVersion {
		return nil
	}

	current, err := parseVersion(p.SchemaVersion)
	if err != nil {
		return err
	}

	target, err := semver.NewVersion(SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid target schema version: %s", SchemaVersion)
	}

	if current.GreaterThan(target) {
		return fmt.Errorf("profile schema version %s is newer than supported version %s",
			p.SchemaVersion, SchemaVersion)
	}

	// Apply migrations in order
	for version, migrate := range migrations {
		migrationVersion, err := semver.NewVersion(version)
		if err != nil {
			continue
		}
		if current.LessThan(migrationVersion) {
			if err := migrate(p); err != nil {
				return fmt.Errorf("migration to %s failed: %w", version, err)
			}
		}
	}

	p.SchemaVersion = SchemaVersion
	return nil
}

// CheckCompatibility checks if a profile can be migrated to the current
// schema version.
func CheckCompatibility(p *Profile) error {
	if p == nil {
		return fmt.Errorf("profile cannot be nil")
	}

	if p.SchemaVersion == "" {
		return fmt.Errorf("missing schema version")
	}

	current, err := parseVersion(p.SchemaVersion)
	if err != nil {
		return err
	}

	target, err := semver.NewVersion(SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid target schema version: %s", SchemaVersion)
	}

	if current.GreaterThan(target) {
		return fmt.Errorf("profile requires schema version %s, but only %s is supported",
			p.SchemaVersion, SchemaVersion)
	}

	if current.LessThan(target) {
		// Direct migration exists within a major version only
		if current.Major() != target.Major() {
			return fmt.Errorf("no migration path from version %s to %s",
				p.SchemaVersion, SchemaVersion)
		}
	}

	return nil
}

// IsVersionSupported checks if a schema version is supported.
func IsVersionSupported(version string) bool {
	for _, v := range SupportedSchemaVersions {
		if v == version {
			return true
		}
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}

	for _, supported := range SupportedSchemaVersions {
		sv, err := semver.NewVersion(supported)
		if err != nil {
			continue
		}
		// Patch releases within a supported major.minor are fine
		if v.Major() == sv.Major() && v.Minor() == sv.Minor() {
			return true
		}
	}

	return false
}

// parseVersion parses a version string, tolerating short forms like
// "1.0" by retrying with a patch component appended.
func parseVersion(version string) (*semver.Version, error) {
	v, err := semver.NewVersion(version)
	if err == nil {
		return v, nil
	}
	v, err = semver.NewVersion(version + ".0")
	if err != nil {
		return nil, fmt.Errorf("invalid schema version: %s", version)
	}
	return v, nil
}
