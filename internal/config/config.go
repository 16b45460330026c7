package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/vstride/vstride-bridge/internal/sensor"
	"github.com/vstride/vstride-bridge/internal/usb"
	"github.com/vstride/vstride-bridge/pkg/crypto"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config represents the bridge configuration
type Config struct {
	Log      LogConfig      `yaml:"log"`
	ANT      ANTConfig      `yaml:"ant"`
	Stride   StrideConfig   `yaml:"stride"`
	Speed    SpeedConfig    `yaml:"speed"`
	Loop     LoopConfig     `yaml:"loop"`
	Simulate SimulateConfig `yaml:"simulate"`
	NATS     NATSConfig     `yaml:"nats"`
	Database DatabaseConfig `yaml:"database"`
	API      APIConfig      `yaml:"api"`
	JWT      JWTConfig      `yaml:"jwt"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Debug  bool   `yaml:"debug"`
	File   string `yaml:"file"`
}

// ANTConfig selects the radio stick and the network
type ANTConfig struct {
	VendorID        uint16        `yaml:"vendor_id"`
	ProductIDs      []uint16      `yaml:"product_ids"`
	NetworkKey      string        `yaml:"network_key"`
	NetworkName     string        `yaml:"network_name"`
	NetworkKeyIndex uint8         `yaml:"network_key_index"`
	Timeout         time.Duration `yaml:"timeout"`
}

// StrideConfig is the simulated foot pod
type StrideConfig struct {
	DeviceID         uint32 `yaml:"device_id"`
	DeviceType       uint8  `yaml:"device_type"`
	TransmissionType uint8  `yaml:"transmission_type"`
}

// SpeedConfig is the treadmill's speed sensor
type SpeedConfig struct {
	DeviceID   uint32 `yaml:"device_id"`
	DeviceType uint8  `yaml:"device_type"`
}

// LoopConfig represents sampling loop configuration
type LoopConfig struct {
	Tick                 time.Duration `yaml:"tick"`
	WheelCircumferenceKm float64       `yaml:"wheel_circumference_km"`
	CadenceSPM           float64       `yaml:"cadence_spm"`
}

// SimulateConfig replaces the stick and sensors with simulated ones
type SimulateConfig struct {
	Enabled bool `yaml:"enabled"`
	// nil when unset; an explicit 0 simulates a stationary wheel
	RevolutionsPerSecond *float64 `yaml:"revolutions_per_second"`
}

// DefaultSimulatedRPS is the simulated wheel rate when none is configured.
const DefaultSimulatedRPS = 18.5

// Rate is the simulated wheel rate in revolutions per second.
func (s SimulateConfig) Rate() float64 {
	if s.RevolutionsPerSecond == nil {
		return DefaultSimulatedRPS
	}
	return *s.RevolutionsPerSecond
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	SubjectPrefix     string        `yaml:"subject_prefix"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// APIConfig represents API configuration
type APIConfig struct {
	Host                 string   `yaml:"host"`
	Port                 int      `yaml:"port"`
	OperatorUser         string   `yaml:"operator_user"`
	OperatorPasswordHash string   `yaml:"operator_password_hash"`
	AllowedOrigins       []string `yaml:"allowed_origins"`
}

// Enabled reports whether the status API should be served.
func (a APIConfig) Enabled() bool {
	return a.Port > 0
}

// Addr is host:port.
func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// JWTConfig represents JWT configuration
type JWTConfig struct {
	Secret         string        `yaml:"secret"`
	Issuer         string        `yaml:"issuer"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
}

// Load loads configuration from file. Overrides run after the environment
// and before defaults and validation; command line flags use them.
func Load(filename string, overrides ...func(*Config)) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	for _, o := range overrides {
		o(&cfg)
	}
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyEnvOverrides()
	cfg.setDefaults()
	return &cfg
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("VSTRIDE_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}

	if key := os.Getenv("VSTRIDE_NETWORK_KEY"); key != "" {
		c.ANT.NetworkKey = key
	}

	if sim := os.Getenv("VSTRIDE_SIMULATE"); sim != "" {
		if v, err := strconv.ParseBool(sim); err == nil {
			c.Simulate.Enabled = v
		}
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Database.DSN = dsn
	}

	if jwtSecret := os.Getenv("JWT_SECRET"); jwtSecret != "" {
		c.JWT.Secret = jwtSecret
	}
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	if c.ANT.VendorID == 0 {
		c.ANT.VendorID = usb.VendorDynastream
	}
	if len(c.ANT.ProductIDs) == 0 {
		c.ANT.ProductIDs = []uint16{usb.ProductANTUSB2, usb.ProductANTUSBm}
	}
	if c.ANT.NetworkName == "" {
		c.ANT.NetworkName = "N:ANT+"
	}
	if c.ANT.Timeout == 0 {
		c.ANT.Timeout = 2 * time.Second
	}

	if c.Stride.DeviceType == 0 {
		c.Stride.DeviceType = sensor.DeviceTypeStride
	}
	if c.Speed.DeviceType == 0 {
		c.Speed.DeviceType = sensor.DeviceTypeSpeed
	}

	if c.Loop.Tick == 0 {
		c.Loop.Tick = 250 * time.Millisecond
	}
	if c.Loop.WheelCircumferenceKm == 0 {
		c.Loop.WheelCircumferenceKm = 0.15 / 1000.0
	}
	if c.Loop.CadenceSPM == 0 {
		c.Loop.CadenceSPM = 180
	}

	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "vstride"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 2 * time.Second
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 4
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 2
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 30 * time.Minute
	}
	if c.Database.FlushInterval == 0 {
		c.Database.FlushInterval = 5 * time.Second
	}

	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.OperatorUser == "" {
		c.API.OperatorUser = "operator"
	}

	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "vstride-bridge"
	}
	if c.JWT.AccessTokenTTL == 0 {
		c.JWT.AccessTokenTTL = time.Hour
	}
}

// Validate checks values that defaults cannot fix.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalid}, args...)...))
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		fail("log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		fail("log.format %q, want console or json", c.Log.Format)
	}

	if c.ANT.NetworkKey == "" {
		if !c.Simulate.Enabled {
			fail("ant.network_key is required unless simulate.enabled")
		}
	} else if _, err := sensor.ParseNetworkKey(c.ANT.NetworkKey, c.ANT.NetworkName); err != nil {
		fail("ant.network_key: %v", err)
	}

	if c.Stride.DeviceType != sensor.DeviceTypeStride {
		fail("stride.device_type %d, only %d (foot pod) can be transmitted", c.Stride.DeviceType, sensor.DeviceTypeStride)
	}
	switch c.Speed.DeviceType {
	case sensor.DeviceTypeSpeed, sensor.DeviceTypeSpeedCadence:
	default:
		fail("speed.device_type %d, want %d or %d", c.Speed.DeviceType, sensor.DeviceTypeSpeed, sensor.DeviceTypeSpeedCadence)
	}

	if c.Loop.Tick < 10*time.Millisecond || c.Loop.Tick > 10*time.Second {
		fail("loop.tick %s out of range", c.Loop.Tick)
	}
	if c.Loop.WheelCircumferenceKm < 0 || c.Loop.CadenceSPM < 0 || c.Simulate.Rate() < 0 {
		fail("loop and simulate values must not be negative")
	}

	if c.API.Enabled() {
		if c.API.Port > 65535 {
			fail("api.port %d", c.API.Port)
		}
		if c.API.OperatorPasswordHash != "" && !crypto.IsHash(c.API.OperatorPasswordHash) {
			fail("api.operator_password_hash is not a bcrypt hash")
		}
	}

	return errors.Join(errs...)
}

// NetworkKey parses the configured key. An empty key yields the all-zero
// public key, which only the simulator accepts.
func (c *Config) NetworkKey() (sensor.NetworkKey, error) {
	if c.ANT.NetworkKey == "" {
		return sensor.NetworkKey{Name: c.ANT.NetworkName}, nil
	}
	return sensor.ParseNetworkKey(c.ANT.NetworkKey, c.ANT.NetworkName)
}

// StrideDeviceID is the foot pod id truncated to the 16 bits ANT carries.
func (c *Config) StrideDeviceID() uint16 {
	return uint16(c.Stride.DeviceID & 0xffff)
}

// SpeedDeviceID is the speed sensor id truncated to 16 bits.
func (c *Config) SpeedDeviceID() uint16 {
	return uint16(c.Speed.DeviceID & 0xffff)
}

// LogLevel returns the effective global level.
func (c *Config) LogLevel() zerolog.Level {
	if c.Log.Debug {
		return zerolog.DebugLevel
	}
	level, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// PrintConfigSummary prints configuration summary
func (c *Config) PrintConfigSummary() {
	fmt.Printf("=== vstride bridge configuration ===\n")
	fmt.Printf("Log: level=%s format=%s debug=%v file=%q\n", c.LogLevel(), c.Log.Format, c.Log.Debug, c.Log.File)

	if c.Simulate.Enabled {
		fmt.Printf("Radio: simulated, %.2f rev/s\n", c.Simulate.Rate())
	} else {
		products := make([]string, 0, len(c.ANT.ProductIDs))
		for _, p := range c.ANT.ProductIDs {
			products = append(products, fmt.Sprintf("%04x", p))
		}
		fmt.Printf("Radio: vendor %04x, products %s, timeout %s\n",
			c.ANT.VendorID, strings.Join(products, ","), c.ANT.Timeout)
	}
	fmt.Printf("Network: %s (key %s) at index %d\n", c.ANT.NetworkName, maskKey(c.ANT.NetworkKey), c.ANT.NetworkKeyIndex)
	fmt.Printf("Speed sensor: id %d, type %d\n", c.SpeedDeviceID(), c.Speed.DeviceType)
	fmt.Printf("Stride sensor: id %d, type %d, transmission %d\n", c.StrideDeviceID(), c.Stride.DeviceType, c.Stride.TransmissionType)
	fmt.Printf("Loop: tick %s, wheel %.5f km, cadence %.0f spm\n", c.Loop.Tick, c.Loop.WheelCircumferenceKm, c.Loop.CadenceSPM)

	fmt.Printf("NATS: %s\n", orDisabled(c.NATS.URL))
	fmt.Printf("Database: %s\n", orDisabled(redactDSN(c.Database.DSN)))
	if c.API.Enabled() {
		fmt.Printf("API: %s (operator %q, login %v)\n", c.API.Addr(), c.API.OperatorUser, c.API.OperatorPasswordHash != "")
	} else {
		fmt.Printf("API: disabled\n")
	}

	fmt.Printf("====================================\n")
}

func orDisabled(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}

func maskKey(key string) string {
	if key == "" {
		return "unset"
	}
	return "set"
}

// redactDSN hides the password of a postgres:// URL.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	cred := dsn[scheme+3 : at]
	if colon := strings.Index(cred, ":"); colon >= 0 {
		cred = cred[:colon] + ":***"
	}
	return dsn[:scheme+3] + cred + dsn[at:]
}
