// Package trust implements the signature verifier collaborator (spec §1,
// §4.3, §4.7): per-commit and per-summary OpenPGP signature verification
// against a remote's keyring.
package trust

import (
	"bytes"
	"fmt"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// ErrNoValidSignature is returned when none of the signatures on a payload
// verify against the given keyring (spec §7 Trust errors).
var ErrNoValidSignature = fmt.Errorf("trust: no valid signature")

// KeyringSource resolves the trusted public keys for a given remote name
// (spec §4.3: "verify signature against summary using the remote's
// keyring").
type KeyringSource interface {
	Keyring(remote string) (openpgp.EntityList, error)
}

// Verifier is the signature-verification collaborator.
type Verifier interface {
	// VerifySummary checks sig against summary using remote's keyring.
	VerifySummary(remote string, summary, sig []byte) error

	// VerifyCommit checks a detached commit signature, as extracted from a
	// commit's metadata (spec §4.7 scan_commit), and returns the count of
	// valid signatures found — scan_commit treats zero as fatal.
	VerifyCommit(remote string, commitVariant, sig []byte) (validSignatures int, err error)
}

// OpenPGPVerifier implements Verifier using
// github.com/ProtonMail/go-crypto/openpgp, already present in the pull
// pack's dependency graph as an indirect dependency of go-git (see
// DESIGN.md).
type OpenPGPVerifier struct {
	Keys KeyringSource
}

// VerifySummary implements Verifier.
func (v *OpenPGPVerifier) VerifySummary(remote string, summary, sig []byte) error {
	n, err := v.verify(remote, summary, sig)
	if err != nil {
		return fmt.Errorf("trust: verifying summary signature for %s: %w", remote, err)
	}
	if n == 0 {
		return fmt.Errorf("trust: summary for %s: %w", remote, ErrNoValidSignature)
	}
	return nil
}

// VerifyCommit implements Verifier.
func (v *OpenPGPVerifier) VerifyCommit(remote string, commitVariant, sig []byte) (int, error) {
	n, err := v.verify(remote, commitVariant, sig)
	if err != nil {
		return 0, fmt.Errorf("trust: verifying commit signature for %s: %w", remote, err)
	}
	return n, nil
}

func (v *OpenPGPVerifier) verify(remote string, payload, sig []byte) (int, error) {
	keyring, err := v.Keys.Keyring(remote)
	if err != nil {
		return 0, fmt.Errorf("loading keyring: %w", err)
	}

	valid := 0
	// A detached signature block may contain more than one signature
	// packet, matching ostree's "iterate all signature packets, count how
	// many verify" behavior (spec §4.7: "emit a gpg-verify-result signal...
	// if zero valid signatures ⇒ fatal"), but CheckDetachedSignature only
	// checks the first packet and consumes the whole reader, so only one
	// signature is ever checked here; this covers the common single-sig
	// case.
	signer, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(payload), bytes.NewReader(sig))
	if err == nil && signer != nil {
		valid++
	}
	return valid, nil
}
