package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/raysh454/racer/internal/model"
)

// Environment variables read by ApplyEnv.
const (
	EnvStorageRoot   = "RACER_STORAGE_ROOT"
	EnvListenAddr    = "RACER_LISTEN_ADDR"
	EnvAllowedHosts  = "RACER_ALLOWED_HOSTS"
	EnvPublicURL     = "RACER_PUBLIC_URL"
	EnvInsecureTLS   = "RACER_INSECURE_SKIP_VERIFY"
	EnvFireLead      = "RACER_FIRE_LEAD"
	EnvImmediateMode = "RACER_IMMEDIATE_MODE"
	EnvDebounce      = "RACER_DEBOUNCE"
)

// LoadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays the RACER_* variables found by lookup onto c.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get(EnvStorageRoot); ok {
		c.StorageRoot = v
	}
	if v, ok := get(EnvListenAddr); ok {
		c.ListenAddr = v
	}
	if v, ok := get(EnvAllowedHosts); ok {
		c.AllowedHosts = nil
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				c.AllowedHosts = append(c.AllowedHosts, h)
			}
		}
	}
	if v, ok := get(EnvPublicURL); ok {
		c.PublicURL = strings.TrimRight(v, "/")
	}
	if v, ok := get(EnvInsecureTLS); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvInsecureTLS, v, model.ErrInvalidArgument)
		}
		c.Sender.InsecureSkipVerify = b
	}
	if v, ok := get(EnvFireLead); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s=%q: %w", EnvFireLead, v, model.ErrInvalidArgument)
		}
		c.Sender.FireLead = d
	}
	if v, ok := get(EnvImmediateMode); ok {
		m, err := ParseMode(v)
		if err != nil {
			return err
		}
		c.ImmediateMode = m
	}
	if v, ok := get(EnvDebounce); ok {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return fmt.Errorf("%s=%q: %w", EnvDebounce, v, model.ErrInvalidArgument)
		}
		c.Debounce = d
	}
	return nil
}
