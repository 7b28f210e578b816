// Package policy loads the operator-signed agent policy and refuses to
// hand out a Policy unless its Ed25519 signature verifies.
package policy

import (
	"fmt"
	"time"
)

type Mode string

const (
	ModeMinimal  Mode = "minimal"
	ModeForensic Mode = "forensic"
)

// Policy governs the agent for the lifetime of the process. Field order is
// part of the signed encoding.
type Policy struct {
	CollectionInterval uint64 `json:"collection_interval"`
	EndpointRole       string `json:"endpoint_role"`
	Mode               Mode   `json:"mode"`
}

// SignedPolicy is the on-disk form. Signature and Pubkey are hex encoded.
type SignedPolicy struct {
	Policy    Policy `json:"policy"`
	Signature string `json:"signature"`
	Pubkey    string `json:"pubkey"`
}

// maxInterval keeps the interval inside the range JSON numbers survive
// canonicalization without precision loss.
const maxInterval = 1 << 32

func (p Policy) Interval() time.Duration {
	return time.Duration(p.CollectionInterval) * time.Second
}

func (p Policy) validate() error {
	switch p.Mode {
	case ModeMinimal, ModeForensic:
	default:
		return fmt.Errorf("unsupported mode %q", p.Mode)
	}
	if p.CollectionInterval == 0 {
		return fmt.Errorf("collection_interval must be > 0")
	}
	if p.CollectionInterval > maxInterval {
		return fmt.Errorf("collection_interval %d out of range", p.CollectionInterval)
	}
	return nil
}
