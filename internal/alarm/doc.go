// Package alarm holds the domain model shared by the session manager, the
// Sector client and the bridge engine: session states, panel snapshots,
// commands, the vendor client contract and the error taxonomy.
package alarm
