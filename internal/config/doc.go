// Package config loads and validates the gateway's YAML configuration.
// Optional fields receive defaults before validation, only the selected
// engine section must be complete, and a Watcher reloads the file when it
// changes on disk.
package config
