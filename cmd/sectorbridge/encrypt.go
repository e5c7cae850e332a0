package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/nerrad567/sector-bridge/internal/infrastructure/config"
	"github.com/nerrad567/sector-bridge/internal/secrets"
)

// encryptKeyFile picks the key used by -encrypt: the -key-file flag, else
// security.key_file from the config.
func encryptKeyFile(configPath, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("loading config (or pass -key-file): %w", err)
	}
	return cfg.Security.KeyFile, nil
}

// runEncrypt reads one secret from in and writes it to out in the
// "enc:<ciphertext>" form config.Load accepts for passwords. A terminal
// on stdin is read without echo.
func runEncrypt(keyFile string, in io.Reader, out io.Writer) error {
	box, err := secrets.OpenKeyFile(keyFile)
	if err != nil {
		return fmt.Errorf("opening key file: %w", err)
	}

	secret, err := readSecret(in)
	if err != nil {
		return err
	}
	if secret == "" {
		return errors.New("empty secret")
	}

	sealed, err := box.Seal(secret)
	if err != nil {
		return fmt.Errorf("sealing secret: %w", err)
	}
	_, err = fmt.Fprintln(out, secrets.SealedPrefix+sealed)
	return err
}

// readSecret prompts on stderr so stdout carries only the sealed value.
func readSecret(in io.Reader) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(os.Stderr, "Secret: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}
