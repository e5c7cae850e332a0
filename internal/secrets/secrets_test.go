package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestBox(t *testing.T) *Box {
	t.Helper()
	box, err := NewBox(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}
	return box
}

func TestBox_SealOpen(t *testing.T) {
	box := newTestBox(t)

	for _, plain := range []string{"", "hunter2", strings.Repeat("token.", 200)} {
		sealed, err := box.Seal(plain)
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		if plain != "" && strings.Contains(sealed, plain) {
			t.Error("sealed value leaks plaintext")
		}

		got, err := box.Open(sealed)
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		if got != plain {
			t.Errorf("Open() = %q, want %q", got, plain)
		}
	}
}

func TestBox_SealUsesFreshNonce(t *testing.T) {
	box := newTestBox(t)

	a, _ := box.Seal("same")
	b, _ := box.Seal("same")
	if a == b {
		t.Error("two seals of the same value should differ")
	}
}

func TestBox_OpenRejectsTampering(t *testing.T) {
	box := newTestBox(t)
	other, err := NewBox(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatalf("NewBox() error = %v", err)
	}

	sealed, _ := box.Seal("secret")

	tests := []struct {
		name  string
		box   *Box
		value string
	}{
		{"wrong key", other, sealed},
		{"not base64", box, "!!!"},
		{"too short", box, "AAAA"},
		{"flipped byte", box, flipLast(sealed)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.box.Open(tt.value); !errors.Is(err, ErrDecrypt) {
				t.Errorf("Open() error = %v, want ErrDecrypt", err)
			}
		})
	}
}

func flipLast(s string) string {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		panic(err)
	}
	raw[len(raw)-1] ^= 0xff
	return base64.RawURLEncoding.EncodeToString(raw)
}

func TestBox_Reveal(t *testing.T) {
	box := newTestBox(t)
	sealed, _ := box.Seal("hunter2")

	got, err := box.Reveal(SealedPrefix + sealed)
	if err != nil || got != "hunter2" {
		t.Errorf("Reveal(sealed) = (%q, %v), want hunter2", got, err)
	}

	got, err = box.Reveal("plain-password")
	if err != nil || got != "plain-password" {
		t.Errorf("Reveal(plain) = (%q, %v), want passthrough", got, err)
	}
}

func TestNewBox_InvalidKey(t *testing.T) {
	if _, err := NewBox([]byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("NewBox() error = %v, want ErrInvalidKey", err)
	}
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "secret.key")

	first, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey() create error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("key file not written: %v", err)
	}
	if perm := info.Mode().Perm(); perm != keyFilePermissions {
		t.Errorf("key file mode = %o, want %o", perm, keyFilePermissions)
	}

	second, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("LoadOrCreateKey() reload error = %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("reloaded key differs from the generated one")
	}
}

func TestLoadOrCreateKey_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")
	if err := os.WriteFile(path, []byte("not-hex"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := LoadOrCreateKey(path); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("LoadOrCreateKey() error = %v, want ErrInvalidKey", err)
	}
}

func TestOpenKeyFile_RoundTripAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.key")

	a, err := OpenKeyFile(path)
	if err != nil {
		t.Fatalf("OpenKeyFile() error = %v", err)
	}
	sealed, _ := a.Seal("persisted-token")

	b, err := OpenKeyFile(path)
	if err != nil {
		t.Fatalf("OpenKeyFile() second error = %v", err)
	}
	if got, err := b.Open(sealed); err != nil || got != "persisted-token" {
		t.Errorf("Open() across instances = (%q, %v)", got, err)
	}
}
