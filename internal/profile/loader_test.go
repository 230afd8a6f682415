package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight-ai/finsight/internal/detect"
)

const validYAML = `
schema_version: "1.0"
user_id: trader-1
name: Momentum watchlist
watchlist:
  - aapl
  - NVDA
  - tsla
detection_thresholds:
  volume_spike: 2.5
scan_interval: 5m
`

func writeProfile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestImport_YAML(t *testing.T) {
	p, err := Import([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "1.0", p.SchemaVersion)
	assert.Equal(t, "trader-1", p.UserID)
	assert.Equal(t, []string{"aapl", "NVDA", "tsla"}, p.Watchlist)
	assert.Equal(t, 2.5, p.Thresholds[detect.PatternVolumeSpike])
	assert.Equal(t, "5m", p.ScanInterval)
}

func TestImport_JSON(t *testing.T) {
	data := `{"schema_version":"1.0","user_id":"trader-2","watchlist":["SPY"]}`

	p, err := Import([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, "trader-2", p.UserID)
	assert.Equal(t, []string{"SPY"}, p.Watchlist)
}

func TestImport_Empty(t *testing.T) {
	_, err := Import(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty profile data")
}

func TestImport_Garbage(t *testing.T) {
	_, err := Import([]byte("{{{{"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")
}

func TestImportFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeProfile(t, dir, "trader-1.yaml", validYAML)

	p, err := ImportFromFile(path)
	require.NoError(t, err)

	// Normalized: trimmed, upper-cased.
	assert.Equal(t, []string{"AAPL", "NVDA", "TSLA"}, p.Watchlist)
	assert.Equal(t, SchemaVersion, p.SchemaVersion)
}

func TestImportFromFile_NewerSchema(t *testing.T) {
	dir := t.TempDir()
	path := writeProfile(t, dir, "future.yaml", `
schema_version: "2.0"
user_id: trader-1
watchlist: [AAPL]
`)

	_, err := ImportFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only 1.0 is supported")
}

func TestImportFromFile_InvalidThreshold(t *testing.T) {
	dir := t.TempDir()
	path := writeProfile(t, dir, "hot.yaml", `
schema_version: "1.0"
user_id: trader-1
watchlist: [AAPL]
detection_thresholds:
  volume_spike: 9.0
`)

	_, err := ImportFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of range")
}

func TestImportFromFile_Missing(t *testing.T) {
	_, err := ImportFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read profile file")
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "b-trader.yaml", `
schema_version: "1.0"
user_id: trader-b
watchlist: [MSFT, GOOG]
`)
	writeProfile(t, dir, "a-trader.yaml", validYAML)
	writeProfile(t, dir, "README.md", "not a profile")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "archive"), 0o750))

	profiles, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	// Sorted by file name.
	assert.Equal(t, "trader-1", profiles[0].UserID)
	assert.Equal(t, "trader-b", profiles[1].UserID)
}

func TestLoadDir_Empty(t *testing.T) {
	_, err := LoadDir(t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoProfiles)
}

func TestLoadDir_BadFileFailsLoad(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "good.yaml", validYAML)
	writeProfile(t, dir, "bad.yaml", `
schema_version: "1.0"
user_id: trader-2
watchlist: []
`)

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
	assert.Contains(t, err.Error(), "at least one symbol is required")
}

func TestLoadDir_DuplicateUser(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "one.yaml", validYAML)
	writeProfile(t, dir, "two.yaml", `
schema_version: "1.0"
user_id: trader-1
watchlist: [SPY]
`)

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate user_id")
	assert.Contains(t, err.Error(), "one.yaml")
}

func TestDirSource_Load(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "trader-1.yaml", validYAML)

	src := NewDirSource(dir)
	profiles, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "trader-1", profiles[0].UserID)
}

func TestDirSource_MissingDirUsesDefault(t *testing.T) {
	src := NewDirSource(filepath.Join(t.TempDir(), "nope"))

	profiles, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "default", profiles[0].UserID)
}

func TestDirSource_EmptyDirUsesDefault(t *testing.T) {
	src := NewDirSource(t.TempDir())

	profiles, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "default", profiles[0].UserID)
}

func TestDirSource_KeepsLastGoodOnBadEdit(t *testing.T) {
	dir := t.TempDir()
	path := writeProfile(t, dir, "trader-1.yaml", validYAML)

	src := NewDirSource(dir)
	_, err := src.Load(context.Background())
	require.NoError(t, err)

	// Break the file; the cached set should survive the reload.
	require.NoError(t, os.WriteFile(path, []byte("watchlist: {"), 0o600))

	profiles, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, profiles, 1)
	assert.Equal(t, "trader-1", profiles[0].UserID)
}

func TestDirSource_FirstLoadFailure(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "bad.yaml", `
schema_version: "1.0"
user_id: trader-1
watchlist: []
`)

	_, err := NewDirSource(dir).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
}