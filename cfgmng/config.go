// Package cfgmng loads typed configuration from YAML files and the environment.
package cfgmng

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads <path>/<filename>.yaml into T. Environment variables override
// file values.
func LoadConfig[T any](path string, filename string) (*T, error) {
	return Load[T](WithPath(path), WithName(filename))
}

type options struct {
	paths     []string
	name      string
	file      string
	envPrefix string
	defaults  map[string]any
	optional  bool
}

// Option customises Load.
type Option func(*options)

// WithPath adds a directory to search for the config file.
func WithPath(path string) Option {
	return func(o *options) { o.paths = append(o.paths, path) }
}

// WithName sets the config file name without extension.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithFile reads exactly this file. Takes precedence over WithPath/WithName.
func WithFile(file string) Option {
	return func(o *options) { o.file = file }
}

// WithEnvPrefix binds variables such as PREFIX_POOL_CAPACITY to pool.capacity.
func WithEnvPrefix(prefix string) Option {
	return func(o *options) { o.envPrefix = prefix }
}

// WithDefaults registers default values keyed by dotted config keys. Keys with a
// default can also be set from the environment without appearing in the file.
func WithDefaults(defaults map[string]any) Option {
	return func(o *options) { o.defaults = defaults }
}

// Optional makes a missing config file acceptable; defaults and environment
// variables are still applied.
func Optional() Option {
	return func(o *options) { o.optional = true }
}

// Load builds T from defaults, an optional YAML file and the environment, in
// increasing order of precedence.
func Load[T any](opts ...Option) (*T, error) {
	o := &options{name: "config"}
	for _, opt := range opts {
		opt(o)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if o.file != "" {
		v.SetConfigFile(o.file)
	} else {
		v.SetConfigName(o.name)
		for _, p := range o.paths {
			v.AddConfigPath(p)
		}
	}

	if o.envPrefix != "" {
		v.SetEnvPrefix(o.envPrefix)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for k, val := range o.defaults {
		v.SetDefault(k, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !o.optional || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var cfg T
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
