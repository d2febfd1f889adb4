// Package config loads the ifgate host configuration from YAML.
//
// ${VAR} references are replaced with environment values before parsing,
// durations are Go duration strings, and every unset field takes its
// default.
package config
