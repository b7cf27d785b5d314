package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stellar/starlight/scbridge/agent"
	"github.com/stellar/starlight/scbridge/chains"
	"github.com/stellar/starlight/scbridge/userop"
)

var _ agent.L1Executor = &EntryPoint{}

// EntryPoint relays user operations through the entry point contract of a
// chain. The transaction carrying them is paid for and signed by Signer.
type EntryPoint struct {
	Address common.Address
	Chain   chains.ChainID
	Backend bind.ContractBackend
	Signer  *ecdsa.PrivateKey

	// Beneficiary receives the gas refunds of the operations. It defaults to
	// the Signer's address.
	Beneficiary common.Address
}

// abiUserOperation mirrors the UserOperation tuple of the entry point.
type abiUserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func zeroIfNil(i *big.Int) *big.Int {
	if i == nil {
		return new(big.Int)
	}
	return i
}

func toABIUserOperation(op userop.UserOperation) abiUserOperation {
	return abiUserOperation{
		Sender:               op.Sender,
		Nonce:                zeroIfNil(op.Nonce),
		InitCode:             []byte(op.InitCode),
		CallData:             []byte(op.CallData),
		CallGasLimit:         zeroIfNil(op.CallGasLimit),
		VerificationGasLimit: zeroIfNil(op.VerificationGasLimit),
		PreVerificationGas:   zeroIfNil(op.PreVerificationGas),
		MaxFeePerGas:         zeroIfNil(op.MaxFeePerGas),
		MaxPriorityFeePerGas: zeroIfNil(op.MaxPriorityFeePerGas),
		PaymasterAndData:     []byte(op.PaymasterAndData),
		Signature:            []byte(op.Signature),
	}
}

// HandleOps submits the operation to the entry point and returns the hash of
// the transaction carrying it. It does not wait for the transaction to be
// included.
func (e *EntryPoint) HandleOps(ctx context.Context, op userop.UserOperation) (common.Hash, error) {
	opts, err := transactOpts(ctx, e.Signer, e.Chain)
	if err != nil {
		return common.Hash{}, err
	}
	beneficiary := e.Beneficiary
	if beneficiary == (common.Address{}) {
		beneficiary = crypto.PubkeyToAddress(e.Signer.PublicKey)
	}
	contract := bind.NewBoundContract(e.Address, entryPointABI, e.Backend, e.Backend, e.Backend)
	tx, err := contract.Transact(opts, "handleOps", []abiUserOperation{toABIUserOperation(op)}, beneficiary)
	if err != nil {
		return common.Hash{}, fmt.Errorf("submitting handleOps to %s: %w", e.Address.Hex(), err)
	}
	return tx.Hash(), nil
}
