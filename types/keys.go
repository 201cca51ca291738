package types

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcutil/base58"
)

const (
	// PubkeySize is the size of a ledger account address.
	PubkeySize = 32
	// SignatureSize is the size of a transaction signature.
	SignatureSize = 64
	// HashSize is the size of a merkle node hash.
	HashSize = 32
)

// Pubkey is a 32-byte ledger account address. Its text form is base58.
type Pubkey [PubkeySize]byte

// PubkeyFromBase58 decodes a base58 address.
func PubkeyFromBase58(s string) (Pubkey, error) {
	var pk Pubkey
	bz := base58.Decode(s)
	if len(bz) != PubkeySize {
		return pk, fmt.Errorf("invalid pubkey %q: decoded %d bytes, want %d", s, len(bz), PubkeySize)
	}
	copy(pk[:], bz)
	return pk, nil
}

// MustPubkeyFromBase58 is PubkeyFromBase58 that panics on error. It is meant
// for package level program id constants.
func MustPubkeyFromBase58(s string) Pubkey {
	pk, err := PubkeyFromBase58(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// PubkeyFromBytes copies bz into a Pubkey.
func PubkeyFromBytes(bz []byte) (Pubkey, error) {
	var pk Pubkey
	if len(bz) != PubkeySize {
		return pk, fmt.Errorf("invalid pubkey length %d", len(bz))
	}
	copy(pk[:], bz)
	return pk, nil
}

func (pk Pubkey) String() string { return base58.Encode(pk[:]) }

func (pk Pubkey) Bytes() []byte { return pk[:] }

func (pk Pubkey) IsZero() bool { return pk == Pubkey{} }

func (pk Pubkey) Equal(other Pubkey) bool { return bytes.Equal(pk[:], other[:]) }

func (pk Pubkey) MarshalText() ([]byte, error) { return []byte(pk.String()), nil }

func (pk *Pubkey) UnmarshalText(text []byte) error {
	v, err := PubkeyFromBase58(string(text))
	if err != nil {
		return err
	}
	*pk = v
	return nil
}

// Signature is a 64-byte transaction signature. Its text form is base58.
type Signature [SignatureSize]byte

// SignatureFromBase58 decodes a base58 transaction signature.
func SignatureFromBase58(s string) (Signature, error) {
	var sig Signature
	bz := base58.Decode(s)
	if len(bz) != SignatureSize {
		return sig, fmt.Errorf("invalid signature %q: decoded %d bytes, want %d", s, len(bz), SignatureSize)
	}
	copy(sig[:], bz)
	return sig, nil
}

// SignatureFromBytes copies bz into a Signature.
func SignatureFromBytes(bz []byte) (Signature, error) {
	var sig Signature
	if len(bz) != SignatureSize {
		return sig, fmt.Errorf("invalid signature length %d", len(bz))
	}
	copy(sig[:], bz)
	return sig, nil
}

func (sig Signature) String() string { return base58.Encode(sig[:]) }

func (sig Signature) Bytes() []byte { return sig[:] }

func (sig Signature) IsZero() bool { return sig == Signature{} }

func (sig Signature) MarshalText() ([]byte, error) { return []byte(sig.String()), nil }

func (sig *Signature) UnmarshalText(text []byte) error {
	v, err := SignatureFromBase58(string(text))
	if err != nil {
		return err
	}
	*sig = v
	return nil
}

// Hash is a 32-byte merkle node hash.
type Hash [HashSize]byte

// HashFromBytes copies bz into a Hash.
func HashFromBytes(bz []byte) (Hash, error) {
	var h Hash
	if len(bz) != HashSize {
		return h, fmt.Errorf("invalid hash length %d", len(bz))
	}
	copy(h[:], bz)
	return h, nil
}

// String returns the base58 form, which is how proofs are exchanged.
func (h Hash) String() string { return base58.Encode(h[:]) }

// Hex returns the lowercase hex form.
func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }

func (h Hash) Bytes() []byte { return h[:] }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Hash) UnmarshalText(text []byte) error {
	v, err := HashFromBytes(base58.Decode(string(text)))
	if err != nil {
		return err
	}
	*h = v
	return nil
}
