package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lorawan-server/lorawan-node/internal/storage"
	"github.com/lorawan-server/lorawan-node/internal/uplink"
	"github.com/lorawan-server/lorawan-node/internal/validation"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
	"github.com/lorawan-server/lorawan-node/pkg/sx127x"
)

// Config represents the node configuration
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Device  DeviceConfig  `yaml:"device"`
	Radio   RadioConfig   `yaml:"radio"`
	Counter CounterConfig `yaml:"counter"`
	API     APIConfig     `yaml:"api"`
	JWT     JWTConfig     `yaml:"jwt"`
	NATS    NATSConfig    `yaml:"nats"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// DeviceConfig holds the ABP session of the node.
type DeviceConfig struct {
	DevAddr string `yaml:"dev_addr" validate:"required,hex,len=8"`
	NwkSKey string `yaml:"nwk_s_key" validate:"required,hex,len=32"`
	AppSKey string `yaml:"app_s_key" validate:"required,hex,len=32"`
}

// RadioConfig represents the SX127x wiring and the uplink radio parameters.
type RadioConfig struct {
	Region string `yaml:"region" validate:"required"`
	// Channel is the uplink channel index, -1 hops randomly.
	Channel  int    `yaml:"channel" validate:"min=-1,max=71"`
	DataRate string `yaml:"data_rate" validate:"required"`
	// CodingRate is the n of 4/n.
	CodingRate     int           `yaml:"coding_rate" validate:"min=5,max=8"`
	TxPower        int           `yaml:"tx_power" validate:"min=2,max=17"`
	TxTimeout      time.Duration `yaml:"tx_timeout"`
	PrivateNetwork bool          `yaml:"private_network"`
	Receive        bool          `yaml:"receive"`
	RXWindow       int           `yaml:"rx_window" validate:"oneof=1 2"`
	PollInterval   time.Duration `yaml:"poll_interval"`

	SPIPort  string `yaml:"spi_port"`
	SPISpeed int64  `yaml:"spi_speed_hz" validate:"max=10000000"`
	ResetPin string `yaml:"reset_pin"`
	DIO0Pin  string `yaml:"dio0_pin"`
	CSPin    string `yaml:"cs_pin"`
}

// CounterConfig selects where the uplink frame counter is persisted.
type CounterConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=file postgres memory"`
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port" validate:"max=65535"`
	// OperatorPasswordHash is a bcrypt hash; it enables POST /api/v1/auth/login.
	OperatorPasswordHash string   `yaml:"operator_password_hash"`
	AllowedOrigins       []string `yaml:"allowed_origins"`
	DownlinkHistory      int      `yaml:"downlink_history" validate:"max=10000"`
}

// Addr returns host:port.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	Issuer         string        `yaml:"issuer"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	Prefix            string        `yaml:"prefix"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// MetricsConfig controls the Prometheus endpoint on the API server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and environment overrides and
// validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}

	if dsn := os.Getenv("COUNTER_DSN"); dsn != "" {
		c.Counter.DSN = dsn
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}

	if key := os.Getenv("LORAWAN_NWK_S_KEY"); key != "" {
		c.Device.NwkSKey = key
	}

	if key := os.Getenv("LORAWAN_APP_S_KEY"); key != "" {
		c.Device.AppSKey = key
	}
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Level = strings.ToLower(c.Log.Level)
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.Radio.Region == "" {
		c.Radio.Region = string(lorawan.EU868)
	}
	if c.Radio.DataRate == "" {
		c.Radio.DataRate = "SF7BW125"
	}
	if c.Radio.CodingRate == 0 {
		c.Radio.CodingRate = 5
	}
	if c.Radio.TxPower == 0 {
		c.Radio.TxPower = 17
	}
	if c.Radio.RXWindow == 0 {
		c.Radio.RXWindow = 2
	}
	if c.Radio.SPIPort == "" {
		c.Radio.SPIPort = "/dev/spidev0.0"
	}
	if c.Radio.SPISpeed == 0 {
		c.Radio.SPISpeed = 5000000
	}

	if c.Counter.Backend == "" {
		c.Counter.Backend = storage.BackendFile
	}
	if c.Counter.Backend == storage.BackendFile && c.Counter.Path == "" {
		c.Counter.Path = "fcnt.txt"
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.DownlinkHistory == 0 {
		c.API.DownlinkHistory = 100
	}

	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "lorawan-node"
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = 24 * time.Hour
	}

	if c.NATS.ClientID == "" {
		c.NATS.ClientID = "lorawan-node"
	}
	if c.NATS.Prefix == "" {
		c.NATS.Prefix = "lorawan.node." + strings.ToLower(c.Device.DevAddr)
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks field rules and parses the session keys, region and data
// rate so that startup fails on a bad file.
func (c *Config) Validate() error {
	if err := validation.NewValidator().Validate(c); err != nil {
		return err
	}
	if _, err := c.Device.Session(); err != nil {
		return err
	}
	if _, err := c.Radio.UplinkConfig(); err != nil {
		return err
	}

	switch c.Counter.Backend {
	case storage.BackendFile:
		if c.Counter.Path == "" {
			return fmt.Errorf("counter: path is required for the file backend")
		}
	case storage.BackendPostgres:
		if c.Counter.DSN == "" {
			return fmt.Errorf("counter: dsn is required for the postgres backend")
		}
	}
	if c.API.OperatorPasswordHash != "" && c.JWT.Secret == "" {
		return fmt.Errorf("api: operator login requires jwt.secret")
	}
	return nil
}

// Session parses the ABP keys.
func (d DeviceConfig) Session() (*lorawan.Session, error) {
	devAddr, err := lorawan.ParseDevAddr(d.DevAddr)
	if err != nil {
		return nil, fmt.Errorf("device: %w", err)
	}
	nwkSKey, err := lorawan.ParseAES128Key(d.NwkSKey)
	if err != nil {
		return nil, fmt.Errorf("device: nwk_s_key: %w", err)
	}
	appSKey, err := lorawan.ParseAES128Key(d.AppSKey)
	if err != nil {
		return nil, fmt.Errorf("device: app_s_key: %w", err)
	}
	return lorawan.NewSession(devAddr, nwkSKey, appSKey), nil
}

// UplinkConfig resolves the region, data rate and channel against the
// regional plan.
func (r RadioConfig) UplinkConfig() (uplink.Config, error) {
	region, err := lorawan.ParseRegionCode(r.Region)
	if err != nil {
		return uplink.Config{}, fmt.Errorf("radio: %w", err)
	}
	dr, err := lorawan.ParseDataRate(r.DataRate)
	if err != nil {
		return uplink.Config{}, fmt.Errorf("radio: %w", err)
	}
	plan, err := lorawan.PlanFor(region)
	if err != nil {
		return uplink.Config{}, fmt.Errorf("radio: %w", err)
	}
	if _, err := plan.DataRateIndex(dr); err != nil {
		return uplink.Config{}, fmt.Errorf("radio: %w", err)
	}
	if r.Channel >= 0 {
		if _, err := plan.Frequency(uint8(r.Channel)); err != nil {
			return uplink.Config{}, fmt.Errorf("radio: %w", err)
		}
	}
	return uplink.Config{
		Region:     region,
		Channel:    r.Channel,
		DataRate:   dr,
		CodingRate: sx127x.CodingRate(r.CodingRate - 4),
		TxTimeout:  r.TxTimeout,
		Receive:    r.Receive,
		RXWindow:   r.RXWindow,
	}, nil
}

// DeviceConfig returns the static SX127x setup.
func (r RadioConfig) DeviceConfig() sx127x.Config {
	return sx127x.Config{
		TxPower:        int8(r.TxPower),
		PrivateNetwork: r.PrivateNetwork,
	}
}

// PrintConfigSummary prints the effective configuration without secrets.
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== LoRaWAN Node Configuration ===\n")
	fmt.Printf("DevAddr: %s\n", strings.ToLower(c.Device.DevAddr))
	fmt.Printf("Region: %s\n", strings.ToUpper(c.Radio.Region))

	if c.Radio.Channel < 0 {
		fmt.Printf("Channel: random\n")
	} else {
		fmt.Printf("Channel: %d", c.Radio.Channel)
		if ucfg, err := c.Radio.UplinkConfig(); err == nil {
			if plan, err := lorawan.PlanFor(ucfg.Region); err == nil {
				if freq, err := plan.Frequency(uint8(c.Radio.Channel)); err == nil {
					fmt.Printf(" (%.3f MHz)", float64(freq)/1000000)
				}
			}
		}
		fmt.Printf("\n")
	}
	fmt.Printf("Data Rate: %s CR4/%d\n", c.Radio.DataRate, c.Radio.CodingRate)
	fmt.Printf("TX Power: %d dBm\n", c.Radio.TxPower)
	if c.Radio.TxTimeout > 0 {
		fmt.Printf("TX Timeout: %s\n", c.Radio.TxTimeout)
	} else {
		fmt.Printf("TX Timeout: derived from time on air\n")
	}
	fmt.Printf("Receive: %v (RX%d)\n", c.Radio.Receive, c.Radio.RXWindow)
	fmt.Printf("SPI: %s @ %d Hz\n", c.Radio.SPIPort, c.Radio.SPISpeed)

	switch c.Counter.Backend {
	case storage.BackendFile:
		fmt.Printf("Frame Counter: file %s\n", c.Counter.Path)
	default:
		fmt.Printf("Frame Counter: %s\n", c.Counter.Backend)
	}

	if c.API.Enabled {
		fmt.Printf("API: %s (auth %v)\n", c.API.Addr(), c.JWT.Secret != "")
	}
	if c.NATS.URL != "" {
		fmt.Printf("NATS: %s prefix %s\n", c.NATS.URL, c.NATS.Prefix)
	}
	fmt.Printf("==================================\n")
}
