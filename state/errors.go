package state

import "errors"

var (
	ErrNoAgreedState       = errors.New("no agreed state")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrHTLCNotFound        = errors.New("htlc not found")
	ErrHTLCExpired         = errors.New("htlc expired")
	ErrInvalidStateUpdate  = errors.New("invalid state update")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrNotAParticipant     = errors.New("signer is neither owner nor intermediary")
)
