package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate(t *testing.T) {
	tests := []struct {
		name        string
		version     string
		wantErr     bool
		errContains string
	}{
		{
			name:    "current version is a no-op",
			version: "1.0",
		},
		{
			name:    "full semver form is stamped to current",
			version: "1.0.0",
		},
		{
			name:    "older version migrates forward",
			version: "0.9",
		},
		{
			name:        "newer version rejected",
			version:     "2.0",
			wantErr:     true,
			errContains: "newer than supported",
		},
		{
			name:        "garbage version rejected",
			version:     "not-a-version",
			wantErr:     true,
			errContains: "invalid schema version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProfile()
			p.SchemaVersion = tt.version

			err := Migrate(p)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, SchemaVersion, p.SchemaVersion)
		})
	}
}

func TestMigrate_Nil(t *testing.T) {
	err := Migrate(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be nil")
}

func TestCheckCompatibility(t *testing.T) {
	tests := []struct {
		name        string
		version     string
		wantErr     bool
		errContains string
	}{
		{
			name:    "current version",
			version: "1.0",
		},
		{
			name:        "missing version",
			version:     "",
			wantErr:     true,
			errContains: "missing schema version",
		},
		{
			name:        "newer version",
			version:     "1.5",
			wantErr:     true,
			errContains: "only 1.0 is supported",
		},
		{
			name:        "older major has no migration path",
			version:     "0.9",
			wantErr:     true,
			errContains: "no migration path",
		},
		{
			name:        "garbage version",
			version:     "vNext",
			wantErr:     true,
			errContains: "invalid schema version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProfile()
			p.SchemaVersion = tt.version

			err := CheckCompatibility(p)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestIsVersionSupported(t *testing.T) {
	assert.True(t, IsVersionSupported("1.0"))
	assert.True(t, IsVersionSupported("1.0.3")) // patch releases tolerated
	assert.False(t, IsVersionSupported("1.1"))
	assert.False(t, IsVersionSupported("2.0"))
	assert.False(t, IsVersionSupported(""))
	assert.False(t, IsVersionSupported("abc"))
}
