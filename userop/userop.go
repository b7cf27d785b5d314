// Package userop contains the ERC-4337 user operation relayed by the
// intermediary to execute owner transfers on the chain hosting a channel.
package userop

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stellar/starlight/scbridge/state"
)

// Default gas parameters of transfers.
var (
	DefaultCallGasLimit         = big.NewInt(40_000)
	DefaultVerificationGasLimit = big.NewInt(150_000)
	DefaultPreVerificationGas   = big.NewInt(21_000)
	DefaultMaxFeePerGas         = big.NewInt(40_000)
	DefaultMaxPriorityFeePerGas = big.NewInt(40_000)
)

// UserOperation is an entry point v0.6 user operation.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *big.Int       `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *big.Int       `json:"callGasLimit"`
	VerificationGasLimit *big.Int       `json:"verificationGasLimit"`
	PreVerificationGas   *big.Int       `json:"preVerificationGas"`
	MaxFeePerGas         *big.Int       `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int       `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

var accountABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(`[{"type":"function","name":"execute","inputs":[` +
		`{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]}]`))
	if err != nil {
		panic(err)
	}
	return a
}()

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

var (
	addressType = mustType("address")
	uint256Type = mustType("uint256")
	bytes32Type = mustType("bytes32")

	packArguments = abi.Arguments{
		{Type: addressType}, // sender
		{Type: uint256Type}, // nonce
		{Type: bytes32Type}, // initCode
		{Type: bytes32Type}, // callData
		{Type: uint256Type}, // callGasLimit
		{Type: uint256Type}, // verificationGasLimit
		{Type: uint256Type}, // preVerificationGas
		{Type: uint256Type}, // maxFeePerGas
		{Type: uint256Type}, // maxPriorityFeePerGas
		{Type: bytes32Type}, // paymasterAndData
	}
	hashArguments = abi.Arguments{
		{Type: bytes32Type},
		{Type: addressType},
		{Type: uint256Type},
	}
)

// Transfer returns an operation that has the sender wallet transfer value to
// the recipient. The operation is unsigned.
func Transfer(sender, to common.Address, value, nonce *big.Int) (UserOperation, error) {
	callData, err := accountABI.Pack("execute", to, value, []byte{})
	if err != nil {
		return UserOperation{}, fmt.Errorf("packing execute call: %w", err)
	}
	return UserOperation{
		Sender:               sender,
		Nonce:                new(big.Int).Set(nonce),
		InitCode:             hexutil.Bytes{},
		CallData:             callData,
		CallGasLimit:         new(big.Int).Set(DefaultCallGasLimit),
		VerificationGasLimit: new(big.Int).Set(DefaultVerificationGasLimit),
		PreVerificationGas:   new(big.Int).Set(DefaultPreVerificationGas),
		MaxFeePerGas:         new(big.Int).Set(DefaultMaxFeePerGas),
		MaxPriorityFeePerGas: new(big.Int).Set(DefaultMaxPriorityFeePerGas),
		PaymasterAndData:     hexutil.Bytes{},
		Signature:            hexutil.Bytes{},
	}, nil
}

func orZero(i *big.Int) *big.Int {
	if i == nil {
		return new(big.Int)
	}
	return i
}

// Hash returns the hash the entry point computes for the operation. It
// commits to every field except the signature, the entry point, and the
// chain.
func Hash(op UserOperation, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	packed, err := packArguments.Pack(
		op.Sender,
		orZero(op.Nonce),
		crypto.Keccak256Hash(op.InitCode),
		crypto.Keccak256Hash(op.CallData),
		orZero(op.CallGasLimit),
		orZero(op.VerificationGasLimit),
		orZero(op.PreVerificationGas),
		orZero(op.MaxFeePerGas),
		orZero(op.MaxPriorityFeePerGas),
		crypto.Keccak256Hash(op.PaymasterAndData),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("packing user operation: %w", err)
	}
	enc, err := hashArguments.Pack(crypto.Keccak256Hash(packed), entryPoint, orZero(chainID))
	if err != nil {
		return common.Hash{}, fmt.Errorf("packing user operation hash: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}

// Sign returns the key's personal message signature of the operation hash.
func Sign(op UserOperation, key *ecdsa.PrivateKey, entryPoint common.Address, chainID *big.Int) ([]byte, error) {
	hash, err := Hash(op, entryPoint, chainID)
	if err != nil {
		return nil, err
	}
	return state.SignHash(hash, key)
}

// WithSignatures returns a copy of the operation carrying the owner's and the
// intermediary's signatures concatenated, the form the wallet contract
// validates.
func (op UserOperation) WithSignatures(ownerSignature, intermediarySignature []byte) UserOperation {
	sig := make(hexutil.Bytes, 0, len(ownerSignature)+len(intermediarySignature))
	sig = append(sig, ownerSignature...)
	sig = append(sig, intermediarySignature...)
	op.Signature = sig
	return op
}

// Signatures splits the operation signature into the owner's and the
// intermediary's signatures.
func (op UserOperation) Signatures() (owner, intermediary []byte, err error) {
	switch len(op.Signature) {
	case crypto.SignatureLength:
		return op.Signature, nil, nil
	case 2 * crypto.SignatureLength:
		return op.Signature[:crypto.SignatureLength], op.Signature[crypto.SignatureLength:], nil
	}
	return nil, nil, fmt.Errorf("user operation signature length %d is not one or two signatures", len(op.Signature))
}
