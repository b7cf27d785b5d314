package state

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lightningnetwork/lnd/lntypes"
)

// Hash returns the keccak256 hash of the canonical encoding of the state. It
// is the message participants sign.
func Hash(s ChannelState) (common.Hash, error) {
	b, err := Encode(s)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(b), nil
}

// Preimage is the secret whose hash locks an HTLC.
type Preimage [32]byte

// NewPreimage returns a random preimage.
func NewPreimage() (Preimage, error) {
	p := Preimage{}
	_, err := rand.Read(p[:])
	if err != nil {
		return Preimage{}, fmt.Errorf("generating preimage: %w", err)
	}
	return p, nil
}

func (p Preimage) String() string {
	return hex.EncodeToString(p[:])
}

// HashLock returns the chain native keccak256 image of the preimage. It is the
// image used for hash locks the bridge creates.
func (p Preimage) HashLock() common.Hash {
	return crypto.Keccak256Hash(p[:])
}

// LightningHashLock returns the sha256 image of the preimage, as used by
// Lightning payment hashes.
func (p Preimage) LightningHashLock() common.Hash {
	lp := lntypes.Preimage(p)
	return common.Hash(lp.Hash())
}

// Matches returns true if the hash lock is either image of the preimage.
func (p Preimage) Matches(hashLock common.Hash) bool {
	return hashLock == p.HashLock() || hashLock == p.LightningHashLock()
}
