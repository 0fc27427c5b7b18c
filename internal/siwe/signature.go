package siwe

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrSignatureMismatch means the signature was produced by another key.
var ErrSignatureMismatch = errors.New("siwe: signature does not match address")

// RecoverAddress returns the signer of an EIP-191 personal_sign signature
// over message.
func RecoverAddress(message, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("siwe: decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("siwe: signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	// wallets emit v as 27/28
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("siwe: recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that signature over message was produced by address.
func Verify(message, signature, address string) error {
	signer, err := RecoverAddress(message, signature)
	if err != nil {
		return err
	}
	if !strings.EqualFold(signer.Hex(), common.HexToAddress(address).Hex()) {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign produces a personal_sign style signature with v in 27/28 form. It
// stands in for a wallet in development tooling and tests.
func Sign(message string, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", fmt.Errorf("siwe: sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
