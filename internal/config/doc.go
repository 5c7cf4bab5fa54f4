// Package config loads the node configuration from a single YAML or JSON
// file and fills in defaults for every section left blank.
package config
