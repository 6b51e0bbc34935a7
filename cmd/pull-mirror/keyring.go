package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// fileKeyring resolves a remote's trusted keyring from
// <dir>/<remote>.asc, an armored public-key file. An empty dir, or a
// missing file, yields an empty keyring: -gpg-verify then fails closed
// with zero valid signatures rather than silently skipping verification.
type fileKeyring struct {
	dir string
}

func (k *fileKeyring) Keyring(remote string) (openpgp.EntityList, error) {
	if k.dir == "" {
		return nil, nil
	}
	path := filepath.Join(k.dir, remote+".asc")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keyring: opening %s: %w", path, err)
	}
	defer f.Close()

	keyring, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		return nil, fmt.Errorf("keyring: parsing %s: %w", path, err)
	}
	return keyring, nil
}
