package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"bifrost-hq/bifrost/pkg/security/secrets"
)

// runInitKey performs the vault key initialization flow. Exits non-zero
// when key material already exists (without --force) or the secret
// directory permissions are insecure.
func runInitKey() error {
	vault, err := secrets.NewVault()
	if err != nil {
		return runtimeError(err)
	}

	if err := vault.InitKey(flags.forceInitKey); err != nil {
		if errors.Is(err, secrets.ErrKeyAlreadyInitialized) {
			return runtimeError(fmt.Errorf("%w (use --force to overwrite)", err))
		}
		return runtimeError(err)
	}

	fmt.Println("Encryption key initialized in", vault.RootDir())
	return nil
}

// runEncrypt encrypts the argument or stdin and prints one
// {encrypted}<base64> line. Exits non-zero when no key exists.
func runEncrypt(args []string) error {
	payload, err := encryptPayload(args)
	if err != nil {
		return configError(err)
	}

	vault, err := secrets.NewVault()
	if err != nil {
		return runtimeError(err)
	}
	token, err := vault.Encrypt(payload)
	if err != nil {
		return runtimeError(err)
	}

	fmt.Println(token)
	return nil
}

func encryptPayload(args []string) ([]byte, error) {
	if len(args) > 0 {
		return []byte(args[0]), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
	}
	trimmed := strings.TrimRight(string(data), "\r\n")
	if trimmed == "" {
		return nil, fmt.Errorf("empty payload")
	}
	return []byte(trimmed), nil
}
