package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/capflow/capflow/pkg/capflow/support/util/exception"
	"github.com/capflow/capflow/pkg/capflow/support/util/logger"

	"go.uber.org/fx"
)

const moduleName = "config"

// ConfigParams defines the dependencies for NewConfigProvider.
type ConfigParams struct {
	fx.In
	EmbeddedConfig EmbeddedConfig // EmbeddedConfig contains the raw bytes of the configuration file.
	EnvFilePath    string         `name:"envFilePath" optional:"true"` // EnvFilePath is the path to the .env file, if any.
}

// loadConfig loads configuration from the embedded YAML and environment
// variables. It is intended to be called only once during application startup.
func loadConfig(envFilePath string, embeddedConfig EmbeddedConfig) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			logger.Warnf(".env file (%s) not found or could not be loaded: %v", envFilePath, err)
		}
	} else {
		if err := godotenv.Load(); err != nil {
			logger.Debugf(".env file not found or could not be loaded: %v", err)
		}
	}

	// 1. Start from defaults.
	cfg := NewConfig()

	// 2. Overlay the embedded YAML. Unmarshalling into the prefilled struct
	// leaves defaults intact for keys absent from the file.
	if len(embeddedConfig) > 0 {
		if err := yaml.Unmarshal(embeddedConfig, cfg); err != nil {
			return nil, exception.NewCoreError(moduleName, "failed to unmarshal embedded config", err, exception.KindInternal)
		}
	}

	// 3. Override with environment variables.
	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem(), ""); err != nil {
		return nil, exception.NewCoreError(moduleName, "failed to load config from environment variables", err, exception.KindInternal)
	}
	return cfg, nil
}

// NewConfigProvider is an Fx provider that loads and provides *Config.
// It initializes the application configuration by loading defaults,
// overlaying the embedded YAML, and overriding with environment variables.
// It also sets the global logger level.
func NewConfigProvider(params ConfigParams) (*Config, error) {
	cfg, err := loadConfig(params.EnvFilePath, params.EmbeddedConfig)
	if err != nil {
		return nil, err
	}

	logger.SetLogLevel(cfg.Capflow.System.Logging.Level)
	logger.Infof("Log level set to: %s", cfg.Capflow.System.Logging.Level)

	return cfg, nil
}

// LoadConfig loads configuration from the embedded bytes and environment
// variables. Exposed for callers outside the Fx container (tests, tools).
func LoadConfig(envFilePath string, embeddedConfig EmbeddedConfig) (*Config, error) {
	return loadConfig(envFilePath, embeddedConfig)
}

// loadStructFromEnv recursively loads configuration values into a struct from
// environment variables. The variable name is derived from the "yaml" tags of
// the nested fields, joined with underscores and upper-cased
// (e.g. CAPFLOW_CORE_INSERT_BATCH_SIZE).
func loadStructFromEnv(val reflect.Value, prefix string) error {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		yamlTag := fieldType.Tag.Get("yaml")
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		envVarName := strings.ToUpper(prefix + yamlTag)

		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field, envVarName+"_"); err != nil {
				return err
			}
			continue
		}

		envValue, exists := os.LookupEnv(envVarName)
		if !exists {
			continue
		}

		if err := setField(field, envValue); err != nil {
			return fmt.Errorf("failed to set field '%s' from env var '%s': %w", fieldType.Name, envVarName, err)
		}
	}
	return nil
}

// setField assigns a string environment value to a reflect field, converting
// to the field's kind.
func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("field is not settable")
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind: %s", field.Kind())
	}
	return nil
}
