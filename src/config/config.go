package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/HeapDB/src/recovery"
	"github.com/Blackdeer1524/HeapDB/src/storage"
	"github.com/Blackdeer1524/HeapDB/src/storage/page"
)

const (
	EnvPrefix  = "HEAPDB"
	DotEnvFile = ".env"
)

type Environment string

const (
	EnvDev  Environment = "dev"
	EnvProd Environment = "prod"
)

// Config holds every tunable of a HeapDB process. Nothing here is global:
// the engine threads the values into the components it builds.
type Config struct {
	PageSize     int           `envconfig:"PAGE_SIZE"`
	PoolCapacity int           `envconfig:"POOL_CAPACITY"`
	LockTimeout  time.Duration `envconfig:"LOCK_TIMEOUT"`
	LockRecheck  time.Duration `envconfig:"LOCK_RECHECK"`

	DataDir        string `envconfig:"DATA_DIR"`
	LogFile        string `envconfig:"LOG_FILE"`
	LogCompression string `envconfig:"LOG_COMPRESSION"`

	Environment Environment `envconfig:"ENVIRONMENT"`
	ServerHost  string      `envconfig:"SERVER_HOST"`
	ServerPort  int         `envconfig:"SERVER_PORT"`
}

func Defaults() Config {
	return Config{
		PageSize:       4096,
		PoolCapacity:   50,
		LockTimeout:    time.Second,
		LockRecheck:    5 * time.Millisecond,
		DataDir:        "./data",
		LogFile:        "heapdb.wal",
		LogCompression: string(recovery.CompressionSnappy),
		Environment:    EnvProd,
		ServerHost:     "localhost",
		ServerPort:     8080,
	}
}

// Load builds the configuration in layers, later ones winning: defaults,
// the TOML file at path (if any), then HEAPDB_* variables from the
// environment or the .env file.
func Load(fs afero.Fs, path string) (Config, error) {
	if err := loadDotEnv(fs, DotEnvFile); err != nil {
		return Config{}, err
	}

	cfg := Defaults()
	if path != "" {
		if err := applyFile(fs, path, &cfg); err != nil {
			return Config{}, err
		}
	}

	// only variables that are set touch the struct
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(fs afero.Fs, path string) error {
	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	vars, err := godotenv.UnmarshalBytes(data)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for k, v := range vars {
		// the real environment wins over .env
		if _, ok := os.LookupEnv(k); ok {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

func applyFile(fs afero.Fs, path string, cfg *Config) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	tree, err := toml.LoadBytes(data)
	if err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	setters := map[string]func(any) error{
		"page_size":       intSetter(&cfg.PageSize),
		"pool_capacity":   intSetter(&cfg.PoolCapacity),
		"lock_timeout":    durationSetter(&cfg.LockTimeout),
		"lock_recheck":    durationSetter(&cfg.LockRecheck),
		"data_dir":        stringSetter(&cfg.DataDir),
		"log_file":        stringSetter(&cfg.LogFile),
		"log_compression": stringSetter(&cfg.LogCompression),
		"environment": func(v any) error {
			var s string
			if err := stringSetter(&s)(v); err != nil {
				return err
			}
			cfg.Environment = Environment(s)
			return nil
		},
		"server_host": stringSetter(&cfg.ServerHost),
		"server_port": intSetter(&cfg.ServerPort),
	}

	for _, key := range tree.Keys() {
		set, ok := setters[key]
		if !ok {
			return fmt.Errorf("unknown key %q in %s", key, path)
		}
		if err := set(tree.Get(key)); err != nil {
			return fmt.Errorf("bad %s in %s: %w", key, path, err)
		}
	}
	return nil
}

func intSetter(dst *int) func(any) error {
	return func(v any) error {
		n, ok := v.(int64)
		if !ok {
			return fmt.Errorf("expected an integer, got %T", v)
		}
		*dst = int(n)
		return nil
	}
}

func stringSetter(dst *string) func(any) error {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected a string, got %T", v)
		}
		*dst = s
		return nil
	}
}

func durationSetter(dst *time.Duration) func(any) error {
	return func(v any) error {
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected a duration string, got %T", v)
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func (c Config) Validate() error {
	var errs []error

	// room for the header and one tuple of the widest column type
	if page.NumSlots(c.PageSize, storage.ColumnTypeString.Len()) < 1 {
		errs = append(errs, fmt.Errorf("page size %d is too small", c.PageSize))
	}
	// every slot of a page of the narrowest column type must be addressable
	if page.NumSlots(c.PageSize, storage.ColumnTypeInt64.Len()) > page.MaxSlots {
		errs = append(errs, fmt.Errorf("page size %d is too large", c.PageSize))
	}
	if c.PoolCapacity <= 0 {
		errs = append(errs, fmt.Errorf("pool capacity must be positive, got %d", c.PoolCapacity))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("lock timeout must be positive, got %v", c.LockTimeout))
	}
	if c.LockRecheck < 0 {
		errs = append(errs, fmt.Errorf("lock recheck interval can't be negative, got %v", c.LockRecheck))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data dir is empty"))
	}
	if c.LogFile == "" {
		errs = append(errs, errors.New("log file is empty"))
	}
	if _, err := recovery.ParseCompression(c.LogCompression); err != nil {
		errs = append(errs, err)
	}
	if c.Environment != EnvDev && c.Environment != EnvProd {
		errs = append(errs, fmt.Errorf("unknown environment %q", c.Environment))
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("bad server port %d", c.ServerPort))
	}
	return errors.Join(errs...)
}

func (c Config) Compression() recovery.Compression {
	comp, err := recovery.ParseCompression(c.LogCompression)
	if err != nil {
		return recovery.CompressionNone
	}
	return comp
}
