// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatekeep Contributors

package webauthn

import (
	"encoding/binary"

	"github.com/samber/oops"
)

// Authenticator data layout: rpIdHash(32) | flags(1) | signCount(4) | extensions...
const (
	rpIDHashLen          = 32
	flagsOffset          = 32
	signCountOffset      = 33
	MinAuthenticatorData = 37
)

// Authenticator data flag bits.
const (
	FlagUserPresent  byte = 1 << 0
	FlagUserVerified byte = 1 << 2
	FlagAttested     byte = 1 << 6
	FlagExtensions   byte = 1 << 7
)

// AuthenticatorData is the parsed fixed prefix of authenticatorData. Rest
// holds attested credential data and extensions, unparsed.
type AuthenticatorData struct {
	RPIDHash  [rpIDHashLen]byte
	Flags     byte
	SignCount uint32
	Rest      []byte
}

// ParseAuthenticatorData parses the fixed 37-byte prefix.
func ParseAuthenticatorData(b []byte) (AuthenticatorData, error) {
	if len(b) < MinAuthenticatorData {
		return AuthenticatorData{}, oops.Code("WEBAUTHN_AUTH_DATA_SHORT").
			With("length", len(b)).
			Errorf("authenticator data must be at least %d bytes", MinAuthenticatorData)
	}
	var ad AuthenticatorData
	copy(ad.RPIDHash[:], b[:rpIDHashLen])
	ad.Flags = b[flagsOffset]
	ad.SignCount = binary.BigEndian.Uint32(b[signCountOffset:MinAuthenticatorData])
	ad.Rest = b[MinAuthenticatorData:]
	return ad, nil
}

// UserPresent reports the UP flag.
func (ad AuthenticatorData) UserPresent() bool { return ad.Flags&FlagUserPresent != 0 }

// UserVerified reports the UV flag.
func (ad AuthenticatorData) UserVerified() bool { return ad.Flags&FlagUserVerified != 0 }
