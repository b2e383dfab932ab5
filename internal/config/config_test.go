package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3.0, cfg.Capture.Oversample)
	assert.Equal(t, 85, cfg.Capture.JPEGQuality)
	assert.Equal(t, "PHP", cfg.Recognition.DefaultCurrency)
	assert.NotEmpty(t, cfg.Security.JWTSecret)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("EXPENSIO_RECOGNITION_API_KEY", "sk-test")
	t.Setenv("EXPENSIO_REPORT_ORGANIZATION", "Acme Field Ops")

	cfg, err := Load("", t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "sk-test", cfg.Recognition.APIKey)
	assert.Equal(t, "Acme Field Ops", cfg.Report.Organization)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "expensio.yaml")
	yaml := `
report:
  organization: Provincial Audit Office
  title: Cash Advance Liquidation
capture:
  oversample: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0644))

	cfg, err := Load(path, dir)
	require.NoError(t, err)

	assert.Equal(t, "Provincial Audit Office", cfg.Report.Organization)
	assert.Equal(t, "Cash Advance Liquidation", cfg.Report.Title)
	assert.Equal(t, 4.0, cfg.Capture.Oversample)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "expensio.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture:\n  oversample: 0.5\n"), 0644))

	_, err := Load(path, dir)
	assert.Error(t, err)
}

func TestReportIdentity(t *testing.T) {
	cfg, err := Load("", t.TempDir())
	require.NoError(t, err)

	ident := cfg.ReportIdentity()
	assert.Equal(t, cfg.Report.Organization, ident.Organization)
}
