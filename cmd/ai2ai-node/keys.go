package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ai2ai-project/ai2ai-node/crypto/keystore"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Inspect and manage this node's signing and agreement key store",
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current signing key fingerprint and public keys",
	RunE:  runKeysShow,
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Force-rotate the Ed25519 signing key, retaining the previous key for verification",
	RunE:  runKeysRotate,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysShowCmd)
	keysCmd.AddCommand(keysRotateCmd)
}

func openKeystore() (*keystore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return keystore.Open(filepath.Join(cfg.DataDir, "keys"), cfg.RotationInterval)
}

func runKeysShow(cmd *cobra.Command, args []string) error {
	ks, err := openKeystore()
	if err != nil {
		return err
	}

	signing := ks.SigningKeyPair()
	agreement := ks.AgreementKeyPair()

	fmt.Printf("Fingerprint:     %s\n", ks.Fingerprint())
	fmt.Printf("Ed25519 pubkey:  %s\n", base64.StdEncoding.EncodeToString(signing.PublicKey().(ed25519.PublicKey)))
	fmt.Printf("X25519 pubkey:   %s\n", base64.StdEncoding.EncodeToString(agreement.PublicKeyBytes()))
	fmt.Printf("Needs rotation:  %t\n", ks.NeedsRotation())
	return nil
}

func runKeysRotate(cmd *cobra.Command, args []string) error {
	ks, err := openKeystore()
	if err != nil {
		return err
	}

	result, err := ks.Rotate()
	if err != nil {
		return fmt.Errorf("rotate signing key: %w", err)
	}

	fmt.Printf("Rotated signing key.\n")
	fmt.Printf("  Previous pubkey: %s\n", base64.StdEncoding.EncodeToString(result.PreviousPub))
	fmt.Printf("  New pubkey:      %s\n", base64.StdEncoding.EncodeToString(result.NewPub))
	return nil
}
