// Package config loads the JSON configuration shared by every CryptoReason
// process (orchestrator, escrow counterparty and the provider agents). Relative
// paths are resolved against the directory of the configuration file.
package config
