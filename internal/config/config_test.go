package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
source:
  dsn: postgres://repl@src:5432/app?sslmode=disable
  slot: pgshift_slot
  publication: pgshift_pub
  create_publication: true
  create_slot: true
target:
  dsn: postgres://root@tgt:26257/app?sslmode=disable
reverse:
  brokers: ["kafka-1:9092", "kafka-2:9092"]
  topics:
    changefeed.accounts: public.accounts
staging:
  dir: /var/lib/pgshift
tables:
  - name: public.accounts
    key_columns: [id]
  - name: public.transfers
    key_columns: [account_id, seq]
apply:
  batch_size: 128
bulkload:
  command: ["pgshift-bulkload", "--parallel", "8"]
verify:
  command: ["pgshift-verify"]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	c, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "pgshift_slot", c.Source.Slot)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, c.Reverse.Brokers)
	assert.Equal(t, "public.accounts", c.Reverse.Topics["changefeed.accounts"])
	assert.Equal(t, []string{"public.accounts", "public.transfers"}, c.TableNames())
	assert.Equal(t, []string{"account_id", "seq"}, c.KeyColumns()["public.transfers"])

	// Explicit values survive, everything else gets a default.
	assert.Equal(t, 128, c.Apply.BatchSize)
	assert.Equal(t, 200, c.Apply.FlushIntervalMs)
	assert.Equal(t, 5, c.Apply.MaxAttempts)
	assert.Equal(t, 5000, c.Drain.QuietPeriodMs)
	assert.Equal(t, 600000, c.Drain.TimeoutMs)
	assert.Equal(t, ":8080", c.HTTP.Addr)
	assert.Equal(t, 24, c.Staging.RetentionHrs)
	assert.Equal(t, "pgshift-reverse", c.Reverse.GroupID)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing source dsn", func(c *Config) { c.Source.DSN = "" }, "source.dsn"},
		{"missing slot", func(c *Config) { c.Source.Slot = "" }, "source.slot"},
		{"missing target dsn", func(c *Config) { c.Target.DSN = "" }, "target.dsn"},
		{"no tables", func(c *Config) { c.Tables = nil }, "at least one table"},
		{"table without keys", func(c *Config) { c.Tables[0].KeyColumns = nil }, "key_columns"},
		{"no bulkload command", func(c *Config) { c.BulkLoad.Command = nil }, "bulkload.command"},
		{"no verify command", func(c *Config) { c.Verify.Command = nil }, "verify.command"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := Load(writeConfig(t, sampleConfig))
			require.NoError(t, err)
			tc.mutate(&c)
			err = c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "source: [not, a, mapping"))
	assert.Error(t, err)
}
