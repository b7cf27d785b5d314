package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

type signatureVerificationInput struct {
	Hash      common.Hash
	Signature []byte
	Signer    common.Address
	Role      Participant
}

func verifySignature(i signatureVerificationInput) error {
	if len(i.Signature) == 0 {
		return fmt.Errorf("%w: missing %s signature", ErrInvalidSignature, i.Role)
	}
	signer, err := RecoverSigner(i.Hash, i.Signature)
	if err != nil {
		return fmt.Errorf("%w: %s signature: %v", ErrInvalidSignature, i.Role, err)
	}
	if signer != i.Signer {
		return fmt.Errorf("%w: %s signature recovers to %s expected %s", ErrInvalidSignature, i.Role, signer, i.Signer)
	}
	return nil
}

func verifySignatures(inputs []signatureVerificationInput) error {
	g := errgroup.Group{}
	for _, i := range inputs {
		i := i
		g.Go(func() error {
			return verifySignature(i)
		})
	}
	return g.Wait()
}

// VerifySignedState checks that both signatures of the signed state recover
// to the owner and intermediary addresses of its state.
func VerifySignedState(ss SignedState) error {
	hash, err := Hash(ss.State)
	if err != nil {
		return err
	}
	return verifySignatures([]signatureVerificationInput{
		{Hash: hash, Signature: ss.OwnerSignature, Signer: ss.State.Owner, Role: ParticipantOwner},
		{Hash: hash, Signature: ss.IntermediarySignature, Signer: ss.State.Intermediary, Role: ParticipantIntermediary},
	})
}
