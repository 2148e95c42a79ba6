// Copyright 2025 The Fleetmux Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package viperutil wraps viper behind typed configuration values. Each
// service or command creates its own Registry, registers values with
// Configure, binds flags, and then loads an optional config file. Precedence
// is flags, then environment variables, then the config file, then defaults.
package viperutil

import (
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Registry is an isolated configuration store. Each command gets its own so
// tests and embedded usage never share global viper state.
type Registry struct {
	v *viper.Viper
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{v: viper.New()}
}

// Viper exposes the underlying viper instance for debug handlers.
func (reg *Registry) Viper() *viper.Viper {
	return reg.v
}

// BindFlags connects a flag set to the registry. Flags changed by the user
// take precedence over every other source. Call after all Configure calls
// and before parsing.
func (reg *Registry) BindFlags(fs *pflag.FlagSet) error {
	return reg.v.BindPFlags(fs)
}

// LoadConfigFile reads configuration from an explicit file path. A missing
// file is an error; pass the empty string to skip file loading entirely.
func (reg *Registry) LoadConfigFile(path string) error {
	if path == "" {
		return nil
	}
	reg.v.SetConfigFile(path)
	if err := reg.v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	return nil
}

// Value is a typed handle on one configuration key.
type Value[T any] struct {
	reg *Registry
	key string
	def T
}

// Options configures one value.
type Options[T any] struct {
	// Default is returned when no source sets the key.
	Default T

	// FlagName, when set, is the pflag the key is bound to. The flag must
	// be registered on the flag set passed to BindFlags under this name.
	FlagName string

	// EnvVars are environment variables bound to the key, in priority order.
	EnvVars []string
}

// Configure registers a key on the registry and returns its typed handle.
func Configure[T any](reg *Registry, key string, opts Options[T]) Value[T] {
	reg.v.SetDefault(key, opts.Default)
	if len(opts.EnvVars) > 0 {
		args := append([]string{key}, opts.EnvVars...)
		_ = reg.v.BindEnv(args...)
	}
	if opts.FlagName != "" && opts.FlagName != key {
		reg.v.RegisterAlias(opts.FlagName, key)
	}
	return Value[T]{reg: reg, key: key, def: opts.Default}
}

// Key returns the configuration key this value is registered under.
func (val Value[T]) Key() string {
	return val.key
}

// Default returns the registered default.
func (val Value[T]) Default() T {
	return val.def
}

// Get resolves the value from the highest-precedence source that sets it.
// Decoding failures fall back to the default and are logged, so a malformed
// flag or environment value is visible rather than silently ignored.
func (val Value[T]) Get() T {
	raw := val.reg.v.Get(val.key)
	if raw == nil {
		return val.def
	}
	var out T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		slog.Warn("config value decoder construction failed, using default",
			"key", val.key, "error", err)
		return val.def
	}
	if err := decoder.Decode(raw); err != nil {
		slog.Warn("malformed config value, using default",
			"key", val.key, "value", raw, "error", err)
		return val.def
	}
	// Durations arrive as int64 nanoseconds from flag bindings; mapstructure
	// handles that, but a zero time.Duration from an unset flag should not
	// mask an explicit default.
	if isZero(out) && !val.reg.v.IsSet(val.key) {
		return val.def
	}
	return out
}

func isZero[T any](v T) bool {
	return reflect.ValueOf(&v).Elem().IsZero()
}

// DurationOrDefault returns d when positive, otherwise def. Helper for
// callers validating loaded intervals.
func DurationOrDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
