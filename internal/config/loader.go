package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError reports which stage of loading failed and, for validation
// failures, the first offending field.
type ConfigError struct {
	Type    ConfigErrorType
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Type, e.Message)
	if e.Field != "" {
		msg += " (field " + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

const (
	ssmParamSuffix = "_SSM_PARAM"
	localEnv       = "local"
	ssmTimeout     = 30 * time.Second
)

// environment abstracts the process environment so tests do not touch os.
type environment interface {
	LookupEnv(key string) (string, bool)
	Setenv(key, value string) error
	Environ() []string
}

type osEnvironment struct{}

func (osEnvironment) LookupEnv(key string) (string, bool) { return os.LookupEnv(key) }
func (osEnvironment) Setenv(key, value string) error      { return os.Setenv(key, value) }
func (osEnvironment) Environ() []string                   { return os.Environ() }

// Load reads, resolves and validates the configuration. provider may be nil
// when APP_ENV is local or no NAME_SSM_PARAM variables are present.
func Load(provider SecretProvider) (*Config, error) {
	return load(provider, osEnvironment{})
}

func load(provider SecretProvider, env environment) (*Config, error) {
	time.Local = time.UTC
	_ = godotenv.Load()

	if appEnv, _ := env.LookupEnv("APP_ENV"); appEnv != localEnv {
		if err := resolveSecrets(provider, env); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: "failed to process environment", Err: err}
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		cerr := &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			cerr.Field = verrs[0].Namespace()
		}
		return nil, cerr
	}
	return &cfg, nil
}

// LoadSections fills only the given section structs, for entry points that
// do not run the API. Each section is validated on its own.
func LoadSections(provider SecretProvider, sections ...any) error {
	time.Local = time.UTC
	_ = godotenv.Load()
	if err := ResolveSecrets(provider); err != nil {
		return err
	}
	v := validator.New()
	for _, section := range sections {
		if err := envconfig.Process("", section); err != nil {
			return &ConfigError{Type: ErrParsing, Message: "failed to process environment", Err: err}
		}
		if err := v.Struct(section); err != nil {
			return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
		}
	}
	return nil
}

// ResolveSecrets injects SSM-backed values into the process environment for
// entry points that read individual variables instead of calling Load.
func ResolveSecrets(provider SecretProvider) error {
	env := osEnvironment{}
	if appEnv, _ := env.LookupEnv("APP_ENV"); appEnv == localEnv {
		return nil
	}
	return resolveSecrets(provider, env)
}

// resolveSecrets fetches every NAME_SSM_PARAM path whose NAME is unset and
// exports the value as NAME. Variables already set win over SSM.
func resolveSecrets(provider SecretProvider, env environment) error {
	targets := pendingSecrets(env)
	if len(targets) == 0 {
		return nil
	}

	paths := make([]string, 0, len(targets))
	for path := range targets {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "a secret provider is required to resolve " + strings.Join(targetNames(targets), ", "),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmTimeout)
	defer cancel()

	values, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range paths {
		name := targets[path]
		value, ok := values[path]
		if !ok {
			missing = append(missing, name)
			continue
		}
		if err := env.Setenv(name, value); err != nil {
			return &ConfigError{Type: ErrSSMResolution, Field: name, Message: "failed to export resolved value", Err: err}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "parameters not found for " + strings.Join(missing, ", "),
		}
	}
	return nil
}

// pendingSecrets maps SSM path to target variable name.
func pendingSecrets(env environment) map[string]string {
	targets := make(map[string]string)
	for _, kv := range env.Environ() {
		key, path, ok := strings.Cut(kv, "=")
		if !ok || path == "" || !strings.HasSuffix(key, ssmParamSuffix) {
			continue
		}
		name := strings.TrimSuffix(key, ssmParamSuffix)
		if _, set := env.LookupEnv(name); set {
			continue
		}
		targets[path] = name
	}
	return targets
}

func targetNames(targets map[string]string) []string {
	names := make([]string, 0, len(targets))
	for _, name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
