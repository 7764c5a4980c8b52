// Package config provides configuration loading and path management for the
// daemon.
//
// Load merges three sources in ascending priority:
//
//  1. Global config (~/.config/sandboxagent/config.jsonc or config.json)
//  2. Project config (<directory>/.sandboxagent/config.jsonc or config.json)
//  3. SANDBOXAGENT_* environment variables
//
// Config files tolerate comments (config.jsonc, processed with
// tidwall/jsonc); a missing file at any layer is not an error, since every
// layer is optional. Each later layer overrides only the fields it sets
// itself - zero values never clobber a prior layer's value.
//
// GetPaths returns XDG Base Directory paths rooted at a "sandboxagent"
// subdirectory of each XDG_*_HOME (Data, Config, Cache, State), falling back
// to the platform default when the environment variable is unset.
package config
