// Package config loads the bridge's YAML configuration file, applies
// SECTORBRIDGE_* environment overrides and validates the result.
//
// Secrets (the Sector password, the MQTT password, the InfluxDB token) may
// be stored sealed with an "enc:" prefix; they are revealed by the caller
// once the key file is open, not by Load. Keep the file mode at 0600 either
// way.
package config
