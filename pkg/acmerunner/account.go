package acmerunner

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/function61/gokit/atomicfilewrite"
	"github.com/function61/gokit/fileexists"
	"github.com/function61/gokit/jsonfile"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/registration"
)

// persisted so renewals reuse the account instead of registering a new one each time
type storedAccount struct {
	Email        string                 `json:"email"`
	PrivateKey   string                 `json:"private_key"` // PEM
	Registration *registration.Resource `json:"registration"`
}

// nil if no account was stored yet
func loadAccount(path string) (*accountUser, error) {
	exists, err := fileexists.Exists(path)
	if err != nil || !exists {
		return nil, err
	}

	stored := &storedAccount{}
	if err := jsonfile.Read(path, stored, true); err != nil {
		return nil, fmt.Errorf("loadAccount: %w", err)
	}

	if stored.Registration == nil {
		return nil, nil // registration never completed
	}

	key, err := certcrypto.ParsePEMPrivateKey([]byte(stored.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("loadAccount: %s: %w", path, err)
	}

	return &accountUser{
		email:        stored.Email,
		registration: stored.Registration,
		key:          key,
	}, nil
}

func saveAccount(path string, user *accountUser) error {
	switch user.key.(type) {
	case *ecdsa.PrivateKey, *rsa.PrivateKey:
	default:
		return fmt.Errorf("saveAccount: unsupported key type %T", user.key)
	}

	// holds the account key
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	stored := storedAccount{
		Email:        user.email,
		PrivateKey:   string(certcrypto.PEMEncode(user.key)),
		Registration: user.registration,
	}

	if err := atomicfilewrite.Write(path, func(sink io.Writer) error {
		return jsonfile.Marshal(sink, stored)
	}); err != nil {
		return err
	}

	return os.Chmod(path, 0600)
}
