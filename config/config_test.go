package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anchor/retcon/model"
	"github.com/anchor/retcon/rerrors"
)

const sample = `
database: /var/lib/reconciled/db
logging: stdout
entities:
  customer:
    enabled: [crm, billing]
    crm:
      create: "crm-create %fk"
      read: "crm-read %fk"
      update: "crm-update %fk"
      delete: "crm-delete %fk"
    billing:
      read: "billing-read %fk"
`

func TestParseRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/reconciled/db", cfg.Database)
	assert.Equal(t, LogStdout, cfg.Logging)

	customer, ok := cfg.Entities["customer"]
	require.True(t, ok)
	assert.Equal(t, []model.SourceName{"crm", "billing"}, customer.Enabled)
	assert.Equal(t, "crm-create %fk", customer.Sources["crm"].Create)
	assert.Equal(t, "billing-read %fk", customer.Sources["billing"].Read)
}

func TestParseDefaultsLoggingToStderr(t *testing.T) {
	cfg, err := Parse([]byte("database: /tmp/db\nentities: {}\n"))
	require.NoError(t, err)
	assert.Equal(t, LogStderr, cfg.Logging)
}

func TestParseRejectsUnrecognisedLogSink(t *testing.T) {
	_, err := Parse([]byte("database: /tmp/db\nlogging: syslog\nentities: {}\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, rerrors.ErrInvalidMessage)
}

func TestParseRejectsEnabledSourceWithoutTemplates(t *testing.T) {
	_, err := Parse([]byte(`
database: /tmp/db
entities:
  customer:
    enabled: [crm, ghost]
    crm:
      read: "crm-read %fk"
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, rerrors.ErrInvalidMessage)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/reconciled.yaml")
	require.Error(t, err)
}
