package kms

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/seedless-recovery-backend/interfaces"
)

// GenerateMasterKey creates a fresh secp256k1 wallet key. The caller must Wipe
// the returned secret once it has been split.
func GenerateMasterKey() (secret []byte, address common.Address, err error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("failed to generate master key: %w", err)
	}
	defer WipeECDSA(key)

	return crypto.FromECDSA(key), crypto.PubkeyToAddress(key.PublicKey), nil
}

// AddressOf returns the address controlled by a raw secp256k1 private key.
func AddressOf(secret []byte) (common.Address, error) {
	key, err := crypto.ToECDSA(secret)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid private key: %w", err)
	}
	defer WipeECDSA(key)

	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// CheckAddress returns a check that fails with interfaces.ErrIntegrity unless
// the secret controls expected.
func CheckAddress(expected common.Address) func(secret []byte) error {
	return func(secret []byte) error {
		address, err := AddressOf(secret)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrIntegrity, err)
		}
		if address != expected {
			return fmt.Errorf("%w: reconstructed key does not control wallet %s", interfaces.ErrIntegrity, expected.Hex())
		}
		return nil
	}
}
