// Package logging provides structured logging for the Sector bridge.
//
// It wraps log/slog so every component logs with the same default
// fields (service, version) and honours the configured level.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Security
//
// Never log the Sector password, the session token or a 2FA code.
// Account names go through MaskAccount.
package logging
