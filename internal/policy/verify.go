package policy

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// Verifier checks signed policy files. When TrustedKeys is non-empty the
// embedded public key must be one of them; otherwise the embedded key is
// taken at face value.
type Verifier struct {
	TrustedKeys []ed25519.PublicKey
}

// NewVerifier parses hex encoded trusted keys.
func NewVerifier(trustedHex []string) (*Verifier, error) {
	v := &Verifier{}
	for _, h := range trustedHex {
		key, err := decodeKey(h)
		if err != nil {
			return nil, fmt.Errorf("trusted key %q: %w", h, err)
		}
		v.TrustedKeys = append(v.TrustedKeys, key)
	}
	return v, nil
}

// Verify loads path with a Verifier that has no pinned keys.
func Verify(path string) (Policy, error) {
	return (&Verifier{}).Verify(path)
}

// Verify reads, parses and authenticates the signed policy at path. Any
// error means the agent must not start collecting.
func (v *Verifier) Verify(path string) (Policy, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, newError(ErrIO, path, err)
	}
	p, err := v.VerifyBytes(blob)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			perr.Path = path
		}
		return Policy{}, err
	}

	log.Info().
		Str("path", path).
		Str("mode", string(p.Mode)).
		Str("endpoint_role", p.EndpointRole).
		Uint64("collection_interval", p.CollectionInterval).
		Msg("policy signature verified")

	if digest, err := SelfDigest(); err != nil {
		log.Warn().Err(err).Msg("agent self digest unavailable")
	} else {
		log.Info().Str("sha3_512", digest).Msg("agent binary digest")
	}
	return p, nil
}

type signedBlob struct {
	Policy    *Policy `json:"policy"`
	Signature string  `json:"signature"`
	Pubkey    string  `json:"pubkey"`
}

// VerifyBytes authenticates an in-memory signed policy document.
func (v *Verifier) VerifyBytes(blob []byte) (Policy, error) {
	var signed signedBlob
	if err := json.Unmarshal(blob, &signed); err != nil {
		return Policy{}, newError(ErrParse, "", err)
	}
	if signed.Policy == nil {
		return Policy{}, newError(ErrParse, "", errors.New("missing policy object"))
	}

	key, err := decodeKey(signed.Pubkey)
	if err != nil {
		return Policy{}, newError(ErrSignatureInvalid, "", fmt.Errorf("pubkey: %w", err))
	}
	sig, err := hex.DecodeString(signed.Signature)
	if err != nil {
		return Policy{}, newError(ErrSignatureInvalid, "", fmt.Errorf("signature: %w", err))
	}
	if len(sig) != ed25519.SignatureSize {
		return Policy{}, newError(ErrSignatureInvalid, "", fmt.Errorf("signature length %d", len(sig)))
	}
	if !v.trusted(key) {
		return Policy{}, newError(ErrSignatureInvalid, "", errors.New("public key is not trusted"))
	}

	payload, err := Canonical(*signed.Policy)
	if err != nil {
		return Policy{}, newError(ErrSignatureInvalid, "", err)
	}
	if !ed25519.Verify(key, payload, sig) {
		return Policy{}, newError(ErrSignatureInvalid, "", errors.New("signature mismatch"))
	}

	if err := signed.Policy.validate(); err != nil {
		return Policy{}, newError(ErrParse, "", err)
	}
	return *signed.Policy, nil
}

func (v *Verifier) trusted(key ed25519.PublicKey) bool {
	if len(v.TrustedKeys) == 0 {
		return true
	}
	for _, k := range v.TrustedKeys {
		if bytes.Equal(k, key) {
			return true
		}
	}
	return false
}

func decodeKey(h string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key length %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
