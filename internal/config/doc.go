// Package config loads the reevd JSON configuration, resolving relative paths
// against the directory of the configuration file and filling in defaults for
// the connection pool, consolidation, runner, wallet and queue sections.
package config
