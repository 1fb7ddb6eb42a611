package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"murmur/internal/log"
)

const defaultLogLevel = "NOTICE"

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", b)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func orDefault(d *Duration, def time.Duration) {
	if *d <= 0 {
		*d = Duration(def)
	}
}

// Logging is the logging configuration shared by both binaries.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file. Empty means stderr.
	File string

	// Level is one of ERROR, WARNING, NOTICE, INFO, DEBUG.
	Level string
}

func (l *Logging) validate() error {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
	if !log.ValidLevel(l.Level) {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", l.Level)
	}
	l.Level = strings.ToUpper(l.Level)
	if !l.Disable && l.File != "" && !filepath.IsAbs(l.File) {
		return errors.New("config: Logging: File must be an absolute path")
	}
	return nil
}

// NewBackend opens the log backend described by l.
func (l *Logging) NewBackend() (*log.Backend, error) {
	return log.New(l.File, l.Level, l.Disable)
}

func validateAddr(section, key, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("config: %s: %s '%v' is invalid: %v", section, key, addr, err)
	}
	return nil
}
