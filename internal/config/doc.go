// Package config loads streamtap configuration from YAML.
//
// ${VAR} references are expanded from the environment before parsing.
// Controller timings are given in seconds and may be fractional; all other
// durations use Go duration strings such as "10s".
package config
