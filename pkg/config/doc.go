// Package config loads the YAML configuration for the controller and
// agent roles, plus tool instance manifests.
package config
