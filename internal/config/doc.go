// Package config defines the application configuration structure and
// loads it from defaults, an optional YAML file, and DISPATCH_-prefixed
// environment variables, in increasing order of precedence.
package config
