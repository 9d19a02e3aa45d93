package hotspot

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the unified hotmesh configuration file
type Config struct {
	Clustering ClusteringConfig `yaml:"clustering" json:"clustering"`
	Session    SessionConfig    `yaml:"session" json:"session"`
	Severity   SeverityConfig   `yaml:"severity" json:"severity"`
	MQTT       MQTTConfig       `yaml:"mqtt" json:"mqtt"`
	Sources    SourcesConfig    `yaml:"sources" json:"sources"`
	HTTP       HTTPConfig       `yaml:"http" json:"http"`
}

// ClusteringConfig holds the default request parameters
type ClusteringConfig struct {
	EpsKm      float64   `yaml:"epsKm" json:"epsKm"`
	MinSamples int       `yaml:"minSamples" json:"minSamples"`
	Index      IndexKind `yaml:"index,omitempty" json:"index,omitempty"`
	Timezone   string    `yaml:"timezone,omitempty" json:"timezone,omitempty"` // IANA name; empty keeps each timestamp's zone
}

// MQTTConfig holds broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker            string        `yaml:"broker" json:"broker"`
	ClientID          string        `yaml:"clientId" json:"clientId"`
	Username          string        `yaml:"username,omitempty" json:"username,omitempty"`
	Password          string        `yaml:"password,omitempty" json:"password,omitempty"`
	IncidentTopic     string        `yaml:"incidentTopic" json:"incidentTopic"`
	PublishPrefix     string        `yaml:"publishPrefix" json:"publishPrefix"`
	ReclusterDebounce time.Duration `yaml:"reclusterDebounce,omitempty" json:"reclusterDebounce,omitempty"`
}

type SourcesConfig struct {
	Files  []string      `yaml:"files,omitempty" json:"files,omitempty"`
	SQLite *SQLiteSource `yaml:"sqlite,omitempty" json:"sqlite,omitempty"`
	APIURL string        `yaml:"apiUrl,omitempty" json:"apiUrl,omitempty"`
}

type SQLiteSource struct {
	Path  string `yaml:"path" json:"path"`
	Table string `yaml:"table,omitempty" json:"table,omitempty"`
}

type HTTPConfig struct {
	Port int `yaml:"port" json:"port"`
}

// DefaultConfig returns a configuration with every default filled in
func DefaultConfig() *Config {
	return &Config{
		Clustering: ClusteringConfig{
			EpsKm:      DefaultParams().EpsKm,
			MinSamples: DefaultParams().MinSamples,
			Index:      IndexGrid,
		},
		Session:  DefaultSessionConfig(),
		Severity: DefaultSeverityConfig(),
		MQTT: MQTTConfig{
			ClientID:          "hotmesh",
			IncidentTopic:     "hotmesh/incidents",
			PublishPrefix:     "hotmesh",
			ReclusterDebounce: 2 * time.Second,
		},
		HTTP: HTTPConfig{Port: 4040},
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig and validates it
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if config.Severity.CategoryWeights == nil {
		config.Severity.CategoryWeights = DefaultCategoryWeights()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks every section
func (c *Config) Validate() error {
	if c.Clustering.EpsKm <= 0 {
		return fmt.Errorf("clustering.epsKm must be > 0")
	}
	if c.Clustering.MinSamples < 1 {
		return fmt.Errorf("clustering.minSamples must be >= 1")
	}
	switch c.Clustering.Index {
	case "", IndexLinear, IndexGrid:
	default:
		return fmt.Errorf("clustering.index must be linear or grid, got %q", c.Clustering.Index)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if err := c.Severity.Validate(); err != nil {
		return fmt.Errorf("severity: %w", err)
	}
	if c.MQTT.Broker != "" && c.MQTT.IncidentTopic == "" {
		return fmt.Errorf("mqtt.incidentTopic is required when mqtt.broker is set")
	}
	if c.Sources.SQLite != nil && c.Sources.SQLite.Path == "" {
		return fmt.Errorf("sources.sqlite.path is required")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	return nil
}

// Location resolves the configured timezone; nil means per-timestamp zones
func (c *Config) Location() (*time.Location, error) {
	if c.Clustering.Timezone == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(c.Clustering.Timezone)
	if err != nil {
		return nil, fmt.Errorf("clustering.timezone: %w", err)
	}
	return loc, nil
}

// DefaultParams returns the request parameters implied by the config
func (c *Config) DefaultParams() Params {
	return Params{
		EpsKm:      c.Clustering.EpsKm,
		MinSamples: c.Clustering.MinSamples,
		TimeBucket: BucketAll,
	}
}

// ApplyEnvOverrides lets environment variables win over file values
func (c *Config) ApplyEnvOverrides() error {
	strVars := []struct {
		name string
		dst  *string
	}{
		{"MQTT_BROKER", &c.MQTT.Broker},
		{"MQTT_CLIENT_ID", &c.MQTT.ClientID},
		{"MQTT_USERNAME", &c.MQTT.Username},
		{"MQTT_PASSWORD", &c.MQTT.Password},
		{"MQTT_PUBLISH_PREFIX", &c.MQTT.PublishPrefix},
	}
	for _, v := range strVars {
		if val := os.Getenv(v.name); val != "" {
			*v.dst = val
		}
	}

	if val := os.Getenv("HOTMESH_EPS_KM"); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("HOTMESH_EPS_KM: %w", err)
		}
		c.Clustering.EpsKm = f
	}
	if val := os.Getenv("HOTMESH_MIN_SAMPLES"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("HOTMESH_MIN_SAMPLES: %w", err)
		}
		c.Clustering.MinSamples = n
	}
	if val := os.Getenv("HOTMESH_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("HOTMESH_TIMEOUT: %w", err)
		}
		c.Session.Timeout = d
	}
	if val := os.Getenv("HOTMESH_CACHE_SIZE"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("HOTMESH_CACHE_SIZE: %w", err)
		}
		c.Session.CacheSize = n
	}
	return nil
}
