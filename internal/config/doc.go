// Package config provides configuration loading and validation. Settings
// come from built-in defaults, an optional YAML file and environment
// overrides, in that order, and are read once at startup.
package config
