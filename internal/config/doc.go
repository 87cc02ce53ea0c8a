// Package config loads the chorusd configuration from a JSON file, fills in
// defaults relative to the file's directory and applies environment overrides
// for secrets.
package config
