// Package session owns the Sector Alarm login session.
//
// The Manager drives the authentication state machine:
//
//	UNAUTHENTICATED -> LOGIN_PENDING -> AUTHENTICATED | WAITING_2FA | LOGIN_FAILED
//	WAITING_2FA     -> AUTHENTICATED (code accepted) | LOGIN_FAILED (rejected, window elapsed)
//	AUTHENTICATED   -> UNAUTHENTICATED (token refused or expired)
//	LOGIN_FAILED    -> LOGIN_PENDING (ManualRetrigger only)
//
// The session and the per-panel in-flight command flags live together in
// one State guarded by one mutex. Vendor calls are made with the mutex
// released; observers read immutable Snapshots and wait on Changes, which
// is how a 2FA code submitted from the API wakes the poll loop.
//
// Tokens survive restarts through a TokenStore. The SQLite implementation
// seals them with the bridge key before writing.
package session
