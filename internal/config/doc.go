// Package config loads the YAML configuration consumed by the control-plane
// binaries. Values may reference environment variables with ${VAR} syntax so
// connection credentials never have to live in the file itself.
package config
