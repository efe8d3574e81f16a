package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorawan-server/lorawan-node/internal/validation"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
	"github.com/lorawan-server/lorawan-node/pkg/sx127x"
)

const minimalYAML = `
device:
  dev_addr: 26011bda
  nwk_s_key: 000102030405060708090a0b0c0d0e0f
  app_s_key: 0f0e0d0c0b0a09080706050403020100
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "EU868", cfg.Radio.Region)
	assert.Equal(t, "SF7BW125", cfg.Radio.DataRate)
	assert.Equal(t, 0, cfg.Radio.Channel)
	assert.Equal(t, 5, cfg.Radio.CodingRate)
	assert.Equal(t, 2, cfg.Radio.RXWindow)
	assert.Equal(t, "file", cfg.Counter.Backend)
	assert.Equal(t, "fcnt.txt", cfg.Counter.Path)
	assert.Equal(t, "lorawan.node.26011bda", cfg.NATS.Prefix)
	assert.Equal(t, 24*time.Hour, cfg.JWT.AccessTokenTTL)

	ucfg, err := cfg.Radio.UplinkConfig()
	require.NoError(t, err)
	assert.Equal(t, lorawan.EU868, ucfg.Region)
	assert.Equal(t, lorawan.DataRate{SpreadFactor: 7, Bandwidth: 125}, ucfg.DataRate)
	assert.Equal(t, sx127x.CR4_5, ucfg.CodingRate)

	s, err := cfg.Device.Session()
	require.NoError(t, err)
	assert.Equal(t, lorawan.DevAddr{0x26, 0x01, 0x1b, 0xda}, s.DevAddr())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalYAML+`
radio:
  region: us915
  channel: 3
  data_rate: SF8BW500
  coding_rate: 8
  tx_timeout: 2s
  receive: true
  rx_window: 1
counter:
  backend: postgres
  dsn: postgres://localhost/node
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Radio.TxTimeout)

	ucfg, err := cfg.Radio.UplinkConfig()
	require.NoError(t, err)
	assert.Equal(t, lorawan.US915, ucfg.Region)
	assert.Equal(t, 3, ucfg.Channel)
	assert.Equal(t, sx127x.CR4_8, ucfg.CodingRate)
	assert.True(t, ucfg.Receive)
	assert.Equal(t, 1, ucfg.RXWindow)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("COUNTER_DSN", "postgres://db/node")
	t.Setenv("LORAWAN_NWK_S_KEY", "ffffffffffffffffffffffffffffffff")

	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, "s3cret", cfg.JWT.Secret)
	assert.Equal(t, "postgres://db/node", cfg.Counter.DSN)
	assert.Equal(t, "ffffffffffffffffffffffffffffffff", cfg.Device.NwkSKey)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing keys", "radio:\n  region: EU868\n"},
		{"short key", `
device:
  dev_addr: 26011bda
  nwk_s_key: 0001
  app_s_key: 0f0e0d0c0b0a09080706050403020100
`},
		{"unknown region", minimalYAML + "radio:\n  region: XX123\n"},
		{"unknown data rate", minimalYAML + "radio:\n  data_rate: SF13BW125\n"},
		{"data rate not in plan", minimalYAML + "radio:\n  data_rate: SF7BW500\n"},
		{"channel out of plan", minimalYAML + "radio:\n  channel: 40\n"},
		{"coding rate", minimalYAML + "radio:\n  coding_rate: 9\n"},
		{"rx window", minimalYAML + "radio:\n  rx_window: 3\n"},
		{"backend", minimalYAML + "counter:\n  backend: redis\n"},
		{"postgres without dsn", minimalYAML + "counter:\n  backend: postgres\n"},
		{"login without secret", minimalYAML + "api:\n  operator_password_hash: x\n"},
		{"bad yaml", "device: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParseFieldErrors(t *testing.T) {
	_, err := Parse([]byte(minimalYAML + "radio:\n  tx_power: 20\n"))
	require.ErrorIs(t, err, validation.ErrInvalid)
	var fe *validation.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "Radio.TxPower", fe.Field)
}
