package policy

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign produces the signed document an operator ships to endpoints.
func Sign(p Policy, key ed25519.PrivateKey) (SignedPolicy, error) {
	if len(key) != ed25519.PrivateKeySize {
		return SignedPolicy{}, fmt.Errorf("private key length %d", len(key))
	}
	if err := p.validate(); err != nil {
		return SignedPolicy{}, err
	}
	payload, err := Canonical(p)
	if err != nil {
		return SignedPolicy{}, err
	}
	pub := key.Public().(ed25519.PublicKey)
	return SignedPolicy{
		Policy:    p,
		Signature: hex.EncodeToString(ed25519.Sign(key, payload)),
		Pubkey:    hex.EncodeToString(pub),
	}, nil
}

// Marshal renders the document for writing to disk. Whitespace here does
// not matter, the signature covers the canonical form only.
func (s SignedPolicy) Marshal() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}
