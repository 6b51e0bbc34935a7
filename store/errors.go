package store

import "errors"

// ErrRefNotFound is returned by ResolveRev when the ref is unknown locally.
var ErrRefNotFound = errors.New("store: ref not found")

// ErrNotFound is returned by LoadVariant/LoadCommit when the digest is not
// present.
var ErrNotFound = errors.New("store: object not found")

// ErrChecksumMismatch is returned when a write's computed digest does not
// match the expected one (spec §4.8, §7 Trust errors).
var ErrChecksumMismatch = errors.New("store: checksum mismatch")
