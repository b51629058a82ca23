// Package config provides configuration loading and validation for VoiceDeck.
// It reads YAML from an explicit path or the first file found in the search
// path, applies environment overrides and validates each section.
package config
