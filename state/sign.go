package state

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignHash signs the hash as an Ethereum personal message, the format the
// settlement contract recovers signers from. The signature is 65 bytes r‖s‖v
// with v 27 or 28.
func SignHash(hash common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(hash[:]), key)
	if err != nil {
		return nil, fmt.Errorf("signing hash %s: %w", hash, err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// RecoverSigner returns the address that produced the personal message
// signature of the hash.
func RecoverSigner(hash common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature length %d expected %d", len(sig), crypto.SignatureLength)
	}
	s := make([]byte, len(sig))
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(hash[:]), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("recovering signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign signs the state's hash with the key, placing the signature in the
// participant's slot.
func Sign(s ChannelState, p Participant, key *ecdsa.PrivateKey) (SignedState, error) {
	hash, err := Hash(s)
	if err != nil {
		return SignedState{}, err
	}
	sig, err := SignHash(hash, key)
	if err != nil {
		return SignedState{}, err
	}
	return SignedState{State: s}.WithSignature(p, sig), nil
}
