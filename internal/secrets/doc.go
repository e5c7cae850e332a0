// Package secrets seals the values the bridge keeps at rest: the vendor
// session token in the database and, optionally, passwords in the config
// file ("enc:<ciphertext>"). The key lives in its own 0600 file, created
// on first start.
package secrets
