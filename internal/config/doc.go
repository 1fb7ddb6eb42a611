// Package config loads the TOML configuration of the murmur client and the
// relay daemon.
//
// Every section is optional. FixupAndValidate fills unset values with the
// defaults of the package that consumes them and rejects values that cannot
// work. Durations are written as strings, e.g. StepTimeout = "15s".
package config
