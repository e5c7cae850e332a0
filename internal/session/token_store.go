package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoToken means nothing usable is persisted for the account.
var ErrNoToken = errors.New("session: no persisted token")

// StoredToken is a persisted vendor token.
type StoredToken struct {
	Account   string
	Token     string
	ExpiresAt time.Time
}

// TokenStore persists the session token across restarts.
type TokenStore interface {
	Load(ctx context.Context, account string) (*StoredToken, error)
	Save(ctx context.Context, token StoredToken) error
	Delete(ctx context.Context, account string) error
}

// Sealer encrypts the token at rest. Satisfied by *secrets.Box.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// SQLiteTokenStore implements TokenStore on the auth_tokens table.
type SQLiteTokenStore struct {
	db  *sql.DB
	box Sealer
}

// NewSQLiteTokenStore creates a store. Tokens are sealed with box before
// they are written.
func NewSQLiteTokenStore(db *sql.DB, box Sealer) *SQLiteTokenStore {
	return &SQLiteTokenStore{db: db, box: box}
}

// Load returns the token persisted for account, or ErrNoToken.
func (r *SQLiteTokenStore) Load(ctx context.Context, account string) (*StoredToken, error) {
	var sealed, expiresAt string
	err := r.db.QueryRowContext(ctx,
		`SELECT token_ciphertext, expires_at FROM auth_tokens WHERE account = ?`, account,
	).Scan(&sealed, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("loading token: %w", err)
	}

	token, err := r.box.Open(sealed)
	if err != nil {
		// Key file replaced since the token was written.
		return nil, fmt.Errorf("%w: %w", ErrNoToken, err)
	}
	expiry, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("%w: bad expiry %q", ErrNoToken, expiresAt)
	}

	return &StoredToken{Account: account, Token: token, ExpiresAt: expiry}, nil
}

// Save inserts or replaces the token for token.Account.
func (r *SQLiteTokenStore) Save(ctx context.Context, token StoredToken) error {
	sealed, err := r.box.Seal(token.Token)
	if err != nil {
		return fmt.Errorf("sealing token: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO auth_tokens (account, token_ciphertext, expires_at, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(account) DO UPDATE SET
		   token_ciphertext = excluded.token_ciphertext,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		token.Account, sealed, token.ExpiresAt.UTC().Format(time.RFC3339), now,
	)
	if err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	return nil
}

// Delete removes the token for account. Deleting a missing row is not an error.
func (r *SQLiteTokenStore) Delete(ctx context.Context, account string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM auth_tokens WHERE account = ?", account); err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return nil
}
