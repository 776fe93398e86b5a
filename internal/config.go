package internal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/distribution/reference"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultListen is the address the build socket binds when none is configured.
	DefaultListen = "0.0.0.0:9393"

	// DefaultNamespace prefixes every generated image tag.
	DefaultNamespace = "registry.deployc"

	// DefaultMaxPayload caps the declared build context size at 512 MiB.
	DefaultMaxPayload int64 = 512 << 20

	// DefaultReadTimeout bounds how long a client may take to deliver the
	// length prefix and the full payload.
	DefaultReadTimeout = 60 * time.Second

	// DefaultBuildTimeout and DefaultPushTimeout bound each subprocess stage.
	DefaultBuildTimeout = 30 * time.Minute
	DefaultPushTimeout  = 10 * time.Minute

	// DefaultBuilder is the binary invoked as "<builder> build" and "<builder> push".
	DefaultBuilder = "img"

	BackendExec   = "exec"
	BackendDocker = "docker"

	envPrefix = "DEPLOYC_"
)

// Config holds the server settings after defaults, the config file, the
// environment and flags have been merged. Zero timeouts disable the deadline.
type Config struct {
	Listen           string
	Namespace        string
	MaxPayload       int64
	ReadTimeout      time.Duration
	BuildTimeout     time.Duration
	PushTimeout      time.Duration
	Backend          string
	Builder          string
	StagingRoot      string
	KeepStaging      bool
	DetectDockerfile bool
	PrefixOutput     bool
	LogLevel         string
	LogFormat        string
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Listen:       DefaultListen,
		Namespace:    DefaultNamespace,
		MaxPayload:   DefaultMaxPayload,
		ReadTimeout:  DefaultReadTimeout,
		BuildTimeout: DefaultBuildTimeout,
		PushTimeout:  DefaultPushTimeout,
		Backend:      BackendExec,
		Builder:      DefaultBuilder,
		LogLevel:     "info",
		LogFormat:    "auto",
	}
}

// fileConfig mirrors Config for TOML and YAML files. Pointer fields let us
// tell an absent key from a zero value.
type fileConfig struct {
	Listen           *string `toml:"listen" yaml:"listen"`
	Namespace        *string `toml:"namespace" yaml:"namespace"`
	MaxPayload       *int64  `toml:"max_payload" yaml:"max_payload"`
	ReadTimeout      *string `toml:"read_timeout" yaml:"read_timeout"`
	BuildTimeout     *string `toml:"build_timeout" yaml:"build_timeout"`
	PushTimeout      *string `toml:"push_timeout" yaml:"push_timeout"`
	Backend          *string `toml:"backend" yaml:"backend"`
	Builder          *string `toml:"builder" yaml:"builder"`
	StagingRoot      *string `toml:"staging_root" yaml:"staging_root"`
	KeepStaging      *bool   `toml:"keep_staging" yaml:"keep_staging"`
	DetectDockerfile *bool   `toml:"detect_dockerfile" yaml:"detect_dockerfile"`
	PrefixOutput     *bool   `toml:"prefix_output" yaml:"prefix_output"`
	LogLevel         *string `toml:"log_level" yaml:"log_level"`
	LogFormat        *string `toml:"log_format" yaml:"log_format"`
}

// ParseConfig builds the server configuration from command-line arguments,
// environment variables (DEPLOYC_*), and an optional config file named by
// --config or DEPLOYC_CONFIG. Later sources win: defaults, then the file,
// then the environment, then explicit flags.
//
// Returns pflag.ErrHelp when --help is requested.
func ParseConfig(args []string, environment []string) (Config, error) {
	lookup := make(map[string]string)
	for _, variable := range environment {
		key, value, ok := strings.Cut(variable, "=")
		if ok && strings.HasPrefix(key, envPrefix) {
			lookup[strings.TrimPrefix(key, envPrefix)] = value
		}
	}

	defaults := DefaultConfig()
	flagged := defaults
	var configPath string

	fs := pflag.NewFlagSet("deployc", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&configPath, "config", "", "path to a TOML or YAML config file")
	fs.StringVar(&flagged.Listen, "listen", defaults.Listen, "address to accept build connections on")
	fs.StringVar(&flagged.Namespace, "namespace", defaults.Namespace, "registry namespace for generated image tags")
	fs.Int64Var(&flagged.MaxPayload, "max-payload", defaults.MaxPayload, "largest accepted build context in bytes (0 disables the limit)")
	fs.DurationVar(&flagged.ReadTimeout, "read-timeout", defaults.ReadTimeout, "deadline for receiving the build context (0 disables)")
	fs.DurationVar(&flagged.BuildTimeout, "build-timeout", defaults.BuildTimeout, "deadline for the build stage (0 disables)")
	fs.DurationVar(&flagged.PushTimeout, "push-timeout", defaults.PushTimeout, "deadline for the push stage (0 disables)")
	fs.StringVar(&flagged.Backend, "backend", defaults.Backend, "image backend: exec or docker")
	fs.StringVar(&flagged.Builder, "builder", defaults.Builder, "builder binary used by the exec backend")
	fs.StringVar(&flagged.StagingRoot, "staging-root", defaults.StagingRoot, "parent directory for staging directories (default: system temp dir)")
	fs.BoolVar(&flagged.KeepStaging, "keep-staging", defaults.KeepStaging, "keep staging directories after the session ends")
	fs.BoolVar(&flagged.DetectDockerfile, "detect-dockerfile", defaults.DetectDockerfile, "generate a Dockerfile for recognized project types")
	fs.BoolVar(&flagged.PrefixOutput, "prefix-output", defaults.PrefixOutput, "prefix forwarded output lines with [stdout] or [stderr]")
	fs.StringVar(&flagged.LogLevel, "log-level", defaults.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&flagged.LogFormat, "log-format", defaults.LogFormat, "log format: auto, console, json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Config{}, err
		}
		return Config{}, fmt.Errorf("failed to parse flags: %w\nRun with --help to see available options", err)
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	config := defaults

	if configPath == "" {
		configPath = lookup["CONFIG"]
	}
	if configPath != "" {
		file, err := loadFile(configPath)
		if err != nil {
			return Config{}, err
		}
		if err := file.apply(&config); err != nil {
			return Config{}, fmt.Errorf("invalid config file %q: %w", configPath, err)
		}
	}

	if err := applyEnv(&config, lookup); err != nil {
		return Config{}, err
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "listen":
			config.Listen = flagged.Listen
		case "namespace":
			config.Namespace = flagged.Namespace
		case "max-payload":
			config.MaxPayload = flagged.MaxPayload
		case "read-timeout":
			config.ReadTimeout = flagged.ReadTimeout
		case "build-timeout":
			config.BuildTimeout = flagged.BuildTimeout
		case "push-timeout":
			config.PushTimeout = flagged.PushTimeout
		case "backend":
			config.Backend = flagged.Backend
		case "builder":
			config.Builder = flagged.Builder
		case "staging-root":
			config.StagingRoot = flagged.StagingRoot
		case "keep-staging":
			config.KeepStaging = flagged.KeepStaging
		case "detect-dockerfile":
			config.DetectDockerfile = flagged.DetectDockerfile
		case "prefix-output":
			config.PrefixOutput = flagged.PrefixOutput
		case "log-level":
			config.LogLevel = flagged.LogLevel
		case "log-format":
			config.LogFormat = flagged.LogFormat
		}
	})

	if err := config.Validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address must not be empty")
	}
	if _, err := reference.ParseNormalizedNamed(GenerateTag(c.Namespace).String()); err != nil {
		return fmt.Errorf("namespace %q does not form a valid image reference: %w", c.Namespace, err)
	}
	if c.MaxPayload < 0 {
		return fmt.Errorf("max-payload must not be negative, got %d", c.MaxPayload)
	}
	if c.MaxPayload > int64(^uint32(0)) {
		return fmt.Errorf("max-payload %d exceeds what a 32-bit length prefix can declare", c.MaxPayload)
	}
	switch c.Backend {
	case BackendExec:
		if c.Builder == "" {
			return errors.New("builder must be set for the exec backend")
		}
	case BackendDocker:
	default:
		return fmt.Errorf("unknown backend %q: expected %q or %q", c.Backend, BackendExec, BackendDocker)
	}
	for name, d := range map[string]time.Duration{
		"read-timeout":  c.ReadTimeout,
		"build-timeout": c.BuildTimeout,
		"push-timeout":  c.PushTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, d)
		}
	}
	switch c.LogFormat {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("unknown log format %q: expected auto, console or json", c.LogFormat)
	}
	return nil
}

func loadFile(path string) (fileConfig, error) {
	var file fileConfig

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, &file)
		if err != nil {
			return fileConfig{}, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fileConfig{}, fmt.Errorf("unknown keys in config file %q: %v", path, undecoded)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return fileConfig{}, fmt.Errorf("failed to open config file %q: %w", path, err)
		}
		defer f.Close()

		decoder := yaml.NewDecoder(f)
		decoder.KnownFields(true)
		if err := decoder.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
			return fileConfig{}, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	default:
		return fileConfig{}, fmt.Errorf("unsupported config file %q: use a .toml, .yaml or .yml extension", path)
	}

	return file, nil
}

func (f fileConfig) apply(c *Config) error {
	setString(&c.Listen, f.Listen)
	setString(&c.Namespace, f.Namespace)
	setString(&c.Backend, f.Backend)
	setString(&c.Builder, f.Builder)
	setString(&c.StagingRoot, f.StagingRoot)
	setString(&c.LogLevel, f.LogLevel)
	setString(&c.LogFormat, f.LogFormat)
	if f.MaxPayload != nil {
		c.MaxPayload = *f.MaxPayload
	}
	if f.KeepStaging != nil {
		c.KeepStaging = *f.KeepStaging
	}
	if f.DetectDockerfile != nil {
		c.DetectDockerfile = *f.DetectDockerfile
	}
	if f.PrefixOutput != nil {
		c.PrefixOutput = *f.PrefixOutput
	}

	for key, target := range map[string]struct {
		raw *string
		dst *time.Duration
	}{
		"read_timeout":  {f.ReadTimeout, &c.ReadTimeout},
		"build_timeout": {f.BuildTimeout, &c.BuildTimeout},
		"push_timeout":  {f.PushTimeout, &c.PushTimeout},
	} {
		if target.raw == nil {
			continue
		}
		d, err := time.ParseDuration(*target.raw)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*target.dst = d
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func applyEnv(c *Config, lookup map[string]string) error {
	strs := map[string]*string{
		"LISTEN":       &c.Listen,
		"NAMESPACE":    &c.Namespace,
		"BACKEND":      &c.Backend,
		"BUILDER":      &c.Builder,
		"STAGING_ROOT": &c.StagingRoot,
		"LOG_LEVEL":    &c.LogLevel,
		"LOG_FORMAT":   &c.LogFormat,
	}
	for key, dst := range strs {
		if value, ok := lookup[key]; ok {
			*dst = value
		}
	}

	bools := map[string]*bool{
		"KEEP_STAGING":      &c.KeepStaging,
		"DETECT_DOCKERFILE": &c.DetectDockerfile,
		"PREFIX_OUTPUT":     &c.PrefixOutput,
	}
	for key, dst := range bools {
		value, ok := lookup[key]
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", envPrefix, key, value, err)
		}
		*dst = b
	}

	durations := map[string]*time.Duration{
		"READ_TIMEOUT":  &c.ReadTimeout,
		"BUILD_TIMEOUT": &c.BuildTimeout,
		"PUSH_TIMEOUT":  &c.PushTimeout,
	}
	for key, dst := range durations {
		value, ok := lookup[key]
		if !ok {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s%s=%q: %w", envPrefix, key, value, err)
		}
		*dst = d
	}

	if value, ok := lookup["MAX_PAYLOAD"]; ok {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_PAYLOAD=%q: %w", envPrefix, value, err)
		}
		c.MaxPayload = n
	}

	return nil
}
