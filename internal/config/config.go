package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration file.
type Config struct {
	MySQL        MySQLConfig         `yaml:"mysql"`
	Binlog       BinlogConfig        `yaml:"binlog"`
	Tables       map[string][]string `yaml:"tables" validate:"required,min=1"`
	Retry        RetryConfig         `yaml:"retry"`
	HandlerRetry HandlerRetryConfig  `yaml:"handler_retry"`
	Sinks        []SinkConfig        `yaml:"sinks" validate:"min=1,dive"`
	Processor    ProcessorConfig     `yaml:"processor"`
	Logging      LoggingConfig       `yaml:"logging"`
}

type MySQLConfig struct {
	Host            string        `yaml:"host" validate:"required"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	User            string        `yaml:"user" validate:"required"`
	Password        string        `yaml:"password"`
	ServerID        uint32        `yaml:"server_id" validate:"required"`
	Flavor          string        `yaml:"flavor" validate:"oneof=mysql mariadb"` // mysql, mariadb
	Charset         string        `yaml:"charset"`
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	CheckOnStart    bool          `yaml:"check_on_start"` // Run the permission checker before streaming
}

type BinlogConfig struct {
	PositionFile      string `yaml:"position_file" validate:"required"`
	CheckpointBackend string `yaml:"checkpoint_backend" validate:"oneof=file bolt"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" validate:"min=-1"` // -1 retries forever
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type HandlerRetryConfig struct {
	MaxRetries int           `yaml:"max_retries" validate:"min=0"` // 0 halts on the first failure
	Backoff    time.Duration `yaml:"backoff"`
}

// SinkConfig configures one output. Only the section matching Type is used.
type SinkConfig struct {
	Name    string        `yaml:"name"`
	Type    string        `yaml:"type" validate:"required,oneof=console kafka nats"`
	EvTZ    string        `yaml:"ev_tz"`
	DtColTZ string        `yaml:"dt_col_tz"`
	Console ConsoleConfig `yaml:"console"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	NATS    NATSConfig    `yaml:"nats"`
}

type ConsoleConfig struct {
	Indent int `yaml:"indent" validate:"min=0"`
}

type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"` // may contain {schema} and {table}
	SplitRow     bool          `yaml:"split_row"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxAttempts  int           `yaml:"max_attempts" validate:"min=0"`
}

type NATSConfig struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"` // may contain {schema} and {table}
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	JetStream     bool          `yaml:"jetstream"`
	SplitRow      bool          `yaml:"split_row"`
}

type ProcessorConfig struct {
	Enabled bool         `yaml:"enabled"`
	Script  string       `yaml:"script"` // JavaScript file, takes precedence over rules
	Rules   []RuleConfig `yaml:"rules"`
}

type RuleConfig struct {
	Database  string            `yaml:"database"` // empty matches every database
	Table     string            `yaml:"table"`    // empty matches every table
	Include   []string          `yaml:"include"`
	Exclude   []string          `yaml:"exclude"`
	Rename    map[string]string `yaml:"rename"`
	AddFields map[string]string `yaml:"add_fields"`
}

type LoggingConfig struct {
	Level  string        `yaml:"level" validate:"oneof=trace debug info warn warning error fatal panic"`
	Format string        `yaml:"format" validate:"oneof=text json"`
	File   LogFileConfig `yaml:"file"`
}

type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"min=0"`
	Compress   bool   `yaml:"compress"`
}

// Load reads the YAML file at path, expands ${VAR} references from the
// environment, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(bytes.NewBufferString(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.setDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func (c *Config) setDefaults() {
	if c.MySQL.Port == 0 {
		c.MySQL.Port = 3306
	}
	if c.MySQL.Flavor == "" {
		c.MySQL.Flavor = "mysql"
	}
	if c.MySQL.Charset == "" {
		c.MySQL.Charset = "utf8mb4"
	}
	if c.MySQL.HeartbeatPeriod == 0 {
		c.MySQL.HeartbeatPeriod = 30 * time.Second
	}
	if c.MySQL.ReadTimeout == 0 {
		c.MySQL.ReadTimeout = 90 * time.Second
	}

	if c.Binlog.PositionFile == "" {
		c.Binlog.PositionFile = "mysqlevp.position"
	}
	if c.Binlog.CheckpointBackend == "" {
		c.Binlog.CheckpointBackend = "file"
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 10
	}
	if c.Retry.InitialBackoff == 0 {
		c.Retry.InitialBackoff = time.Second
	}
	if c.Retry.MaxBackoff == 0 {
		c.Retry.MaxBackoff = 30 * time.Second
	}
	if c.HandlerRetry.MaxRetries > 0 && c.HandlerRetry.Backoff == 0 {
		c.HandlerRetry.Backoff = time.Second
	}

	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "console"}}
	}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if s.Name == "" {
			s.Name = s.Type
		}
		if s.EvTZ == "" {
			s.EvTZ = "UTC"
		}
		if s.DtColTZ == "" {
			s.DtColTZ = "UTC"
		}
		switch s.Type {
		case "console":
			if s.Console.Indent == 0 {
				s.Console.Indent = 4
			}
		case "kafka":
			if s.Kafka.Topic == "" {
				s.Kafka.Topic = "mysqlevp"
			}
			if s.Kafka.WriteTimeout == 0 {
				s.Kafka.WriteTimeout = 10 * time.Second
			}
			if s.Kafka.MaxAttempts == 0 {
				s.Kafka.MaxAttempts = 5
			}
		case "nats":
			if s.NATS.Subject == "" {
				s.NATS.Subject = "mysqlevp.{schema}.{table}"
			}
			if s.NATS.MaxReconnect == 0 {
				s.NATS.MaxReconnect = 60
			}
			if s.NATS.ReconnectWait == 0 {
				s.NATS.ReconnectWait = 2 * time.Second
			}
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.File.Path != "" && c.Logging.File.MaxSizeMB == 0 {
		c.Logging.File.MaxSizeMB = 100
	}
}

// Validate checks struct tags and the constraints that span fields.
func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	for schema, tables := range c.Tables {
		if schema == "" {
			return fmt.Errorf("tables: empty schema name")
		}
		if len(tables) == 0 {
			return fmt.Errorf("tables.%s: list at least one table, or \"*\" for all", schema)
		}
	}

	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		return fmt.Errorf("retry.max_backoff (%s) is shorter than retry.initial_backoff (%s)", c.Retry.MaxBackoff, c.Retry.InitialBackoff)
	}

	names := make(map[string]bool, len(c.Sinks))
	for i, s := range c.Sinks {
		if names[s.Name] {
			return fmt.Errorf("sinks[%d]: duplicate sink name %q", i, s.Name)
		}
		names[s.Name] = true

		if _, err := time.LoadLocation(s.EvTZ); err != nil {
			return fmt.Errorf("sinks[%d].ev_tz: %w", i, err)
		}
		if _, err := time.LoadLocation(s.DtColTZ); err != nil {
			return fmt.Errorf("sinks[%d].dt_col_tz: %w", i, err)
		}

		switch s.Type {
		case "kafka":
			if len(s.Kafka.Brokers) == 0 {
				return fmt.Errorf("sinks[%d].kafka.brokers is required", i)
			}
		case "nats":
			if s.NATS.URL == "" {
				return fmt.Errorf("sinks[%d].nats.url is required", i)
			}
		}
	}

	return c.Processor.Validate()
}

// Validate checks the transform settings.
func (p *ProcessorConfig) Validate() error {
	if !p.Enabled {
		return nil
	}

	if p.Script != "" {
		if _, err := os.Stat(p.Script); os.IsNotExist(err) {
			return fmt.Errorf("JavaScript script file not found: %s", p.Script)
		}
	}

	if p.Script != "" && len(p.Rules) > 0 {
		return fmt.Errorf("cannot specify both 'script' and 'rules' - script takes precedence")
	}

	for i, rule := range p.Rules {
		if len(rule.Include) > 0 && len(rule.Exclude) > 0 {
			return fmt.Errorf("processor rule %d: cannot specify both 'include' and 'exclude' fields", i)
		}

		// With an include list, renamed fields must be included.
		if len(rule.Rename) > 0 && len(rule.Include) > 0 {
			for oldName := range rule.Rename {
				found := false
				for _, inc := range rule.Include {
					if strings.EqualFold(inc, oldName) {
						found = true
						break
					}
				}
				if !found {
					return fmt.Errorf("processor rule %d: rename key '%s' not found in include list", i, oldName)
				}
			}
		}
	}

	return nil
}
