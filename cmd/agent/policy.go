package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bilal/edr-agent/internal/policy"
)

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Create, sign and check agent policies",
	}
	cmd.AddCommand(newPolicyKeygenCmd(), newPolicySignCmd(), newPolicyVerifyCmd())
	return cmd
}

func newPolicyKeygenCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key pair",
		Long:  "Writes <prefix>.key (hex seed, mode 0600) and <prefix>.pub (hex public key).",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := policy.GenerateKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			if err := os.WriteFile(prefix+".key", []byte(hex.EncodeToString(priv.Seed())+"\n"), 0o600); err != nil {
				return err
			}
			pubHex := hex.EncodeToString(pub)
			if err := os.WriteFile(prefix+".pub", []byte(pubHex+"\n"), 0o644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), pubHex)
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "out", "policy", "output path prefix")
	return cmd
}

func newPolicySignCmd() *cobra.Command {
	var (
		keyPath  string
		out      string
		interval uint64
		role     string
		mode     string
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign a policy with a private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readPrivateKey(keyPath)
			if err != nil {
				return err
			}
			signed, err := policy.Sign(policy.Policy{
				CollectionInterval: interval,
				EndpointRole:       role,
				Mode:               policy.Mode(mode),
			}, key)
			if err != nil {
				return fmt.Errorf("sign policy: %w", err)
			}
			data, err := signed.Marshal()
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, append(data, '\n'), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed policy written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "policy.key", "hex Ed25519 private key file")
	cmd.Flags().StringVar(&out, "out", "signed_policy.json", "output file")
	cmd.Flags().Uint64Var(&interval, "interval", 5, "process collection interval in seconds")
	cmd.Flags().StringVar(&role, "role", "workstation", "endpoint role")
	cmd.Flags().StringVar(&mode, "mode", string(policy.ModeMinimal), "collection mode: minimal or forensic")
	return cmd
}

func newPolicyVerifyCmd() *cobra.Command {
	var trusted []string
	cmd := &cobra.Command{
		Use:   "verify [path]",
		Short: "Verify a signed policy file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "signed_policy.json"
			if len(args) == 1 {
				path = args[0]
			}
			v, err := policy.NewVerifier(trusted)
			if err != nil {
				return err
			}
			p, err := v.Verify(path)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		},
	}
	cmd.Flags().StringSliceVar(&trusted, "trusted", nil, "hex public keys the policy must be signed with")
	return cmd
}

// readPrivateKey accepts a hex seed (32 bytes) or a full private key (64 bytes).
func readPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decode key %s: %w", path, err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("key %s: unexpected length %d", path, len(raw))
	}
}
