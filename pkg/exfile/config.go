package exfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

var errUnknownPolicy = errors.New("exfile: unknown policy name")

// Config is the serialisable form of [Options].
//
// Config files are JWCC (JSON with comments and trailing commas). The policy
// section selects a built-in resize policy by name; custom policies are
// wired in code via [Options.Policy].
type Config struct {
	Path           string       `json:"path"`
	InitialSize    int64        `json:"initial_size,omitempty"`
	ReadOnly       bool         `json:"read_only,omitempty"`
	DisableLocking bool         `json:"disable_locking,omitempty"`
	MaxOff         int64        `json:"max_off,omitempty"`
	Policy         PolicyConfig `json:"policy,omitzero"`
}

// PolicyConfig names a built-in resize policy.
//
// Name is one of "default", "fibonacci" or "mul"; empty means "default".
// Num and Den apply only to "mul".
type PolicyConfig struct {
	Name string `json:"name"`
	Num  int64  `json:"num,omitempty"`
	Den  int64  `json:"den,omitempty"`
}

// LoadConfig reads a JWCC config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC in %s: %w", path, err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Path == "" {
		return Config{}, fmt.Errorf("config %s: path is required: %w", path, ErrInvalidArgs)
	}

	if _, err := cfg.Policy.build(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the config as plain JSON, atomically (temp file + rename).
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	data = append(data, '\n')

	err = atomic.WriteFile(path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}

	return nil
}

// Options expands the config into open options ready for [Open].
func (c Config) Options() (Options, error) {
	policy, err := c.Policy.build()
	if err != nil {
		return Options{}, err
	}

	return Options{
		Path:           c.Path,
		InitialSize:    c.InitialSize,
		ReadOnly:       c.ReadOnly,
		DisableLocking: c.DisableLocking,
		MaxOff:         c.MaxOff,
		Policy:         policy,
	}, nil
}

// build maps the policy name to a built-in [ResizePolicy].
func (p PolicyConfig) build() (ResizePolicy, error) {
	switch p.Name {
	case "", "default":
		return DefaultPolicy{}, nil
	case "fibonacci":
		return NewFibonacciPolicy(), nil
	case "mul":
		return &MulPolicy{Num: p.Num, Den: p.Den}, nil
	default:
		return nil, fmt.Errorf("%q: %w", p.Name, errUnknownPolicy)
	}
}
