// Package msg contains the messages exchanged between an owner and its
// intermediary, and between payers and payees.
//
// Messages are encoded as JSON objects, one per line, discriminated by their
// type field. The fields of the message's payload are siblings of the type
// field.
package msg

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stellar/starlight/scbridge/chains"
	"github.com/stellar/starlight/scbridge/invoice"
	"github.com/stellar/starlight/scbridge/state"
	"github.com/stellar/starlight/scbridge/userop"
)

type Type string

const (
	TypeRequestInvoice Type = "requestInvoice"
	TypeInvoice        Type = "invoice"
	TypeForwardPayment Type = "forwardPayment"
	TypeUnlockHTLC     Type = "unlockHTLC"
	TypeUserOperation  Type = "userOperation"
	TypeSignature      Type = "signature"
	TypeError          Type = "error"
)

// IsReply returns true for the types that are sent in response to a request.
func (t Type) IsReply() bool {
	switch t {
	case TypeInvoice, TypeSignature, TypeError:
		return true
	}
	return false
}

// Message is a message of one of the types. Exactly the payload matching the
// Type is set.
type Message struct {
	Type Type

	// ID identifies a request. ReplyTo is the ID of the request a reply
	// answers.
	ID      string
	ReplyTo string

	RequestInvoice *RequestInvoice
	Invoice        *invoice.Invoice
	ForwardPayment *ForwardPayment
	UnlockHTLC     *UnlockHTLC
	UserOperation  *UserOperation
	Signature      *Signature
	Error          *Error
}

// RequestInvoice asks a payee for a hash lock to pay amount, denominated in
// the chain's native unit.
type RequestInvoice struct {
	Chain  chains.ChainID `json:"chain"`
	Amount *big.Int       `json:"amount"`
}

// ForwardPayment proposes to the intermediary a state adding an HTLC that
// pays it, asking it to forward the invoice to the owner of the target
// channel. From the intermediary to an owner it proposes the forwarded leg.
type ForwardPayment struct {
	Target       common.Address    `json:"target"`
	Invoice      invoice.Invoice   `json:"invoice"`
	Timelock     uint64            `json:"timelock"`
	UpdatedState state.SignedState `json:"updatedState"`
}

// UnlockHTLC proposes a state unlocking the HTLC the preimage matches.
type UnlockHTLC struct {
	Preimage     state.Preimage    `json:"preimage"`
	UpdatedState state.SignedState `json:"updatedState"`
}

// UserOperation asks the intermediary to countersign and relay the owner
// signed operation.
type UserOperation struct {
	userop.UserOperation
}

// Signature acknowledges a proposed state or operation with the replying
// participant's signature.
type Signature struct {
	Signature hexutil.Bytes `json:"signature"`
}

// Error rejects a request.
type Error struct {
	Reason string `json:"reason"`
}

type envelope struct {
	Type    Type   `json:"type"`
	ID      string `json:"id,omitempty"`
	ReplyTo string `json:"replyTo,omitempty"`
}

func (m Message) payload() (interface{}, error) {
	var p interface{}
	switch m.Type {
	case TypeRequestInvoice:
		if m.RequestInvoice != nil {
			p = m.RequestInvoice
		}
	case TypeInvoice:
		if m.Invoice != nil {
			p = m.Invoice
		}
	case TypeForwardPayment:
		if m.ForwardPayment != nil {
			p = m.ForwardPayment
		}
	case TypeUnlockHTLC:
		if m.UnlockHTLC != nil {
			p = m.UnlockHTLC
		}
	case TypeUserOperation:
		if m.UserOperation != nil {
			p = m.UserOperation
		}
	case TypeSignature:
		if m.Signature != nil {
			p = m.Signature
		}
	case TypeError:
		if m.Error != nil {
			p = m.Error
		}
	default:
		return nil, fmt.Errorf("unrecognized message type %q", m.Type)
	}
	if p == nil {
		return nil, fmt.Errorf("message type %q has no %s payload", m.Type, m.Type)
	}
	return p, nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	p, err := m.payload()
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	err = json.Unmarshal(b, &fields)
	if err != nil {
		return nil, err
	}
	for k := range fields {
		if k == "type" || k == "id" || k == "replyTo" {
			return nil, fmt.Errorf("payload field %q collides with envelope", k)
		}
	}
	b, err = json.Marshal(envelope{Type: m.Type, ID: m.ID, ReplyTo: m.ReplyTo})
	if err != nil {
		return nil, err
	}
	err = json.Unmarshal(b, &fields)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	e := envelope{}
	err := json.Unmarshal(b, &e)
	if err != nil {
		return err
	}
	*m = Message{Type: e.Type, ID: e.ID, ReplyTo: e.ReplyTo}
	var p interface{}
	switch e.Type {
	case TypeRequestInvoice:
		m.RequestInvoice = &RequestInvoice{}
		p = m.RequestInvoice
	case TypeInvoice:
		m.Invoice = &invoice.Invoice{}
		p = m.Invoice
	case TypeForwardPayment:
		m.ForwardPayment = &ForwardPayment{}
		p = m.ForwardPayment
	case TypeUnlockHTLC:
		m.UnlockHTLC = &UnlockHTLC{}
		p = m.UnlockHTLC
	case TypeUserOperation:
		m.UserOperation = &UserOperation{}
		p = m.UserOperation
	case TypeSignature:
		m.Signature = &Signature{}
		p = m.Signature
	case TypeError:
		m.Error = &Error{}
		p = m.Error
	default:
		return fmt.Errorf("unrecognized message type %q", e.Type)
	}
	err = json.Unmarshal(b, p)
	if err != nil {
		return fmt.Errorf("decoding %s message: %w", e.Type, err)
	}
	return nil
}

type Encoder = json.Encoder

// NewEncoder returns an encoder that writes each message as a line of JSON.
func NewEncoder(w io.Writer) *Encoder {
	return json.NewEncoder(w)
}

type Decoder = json.Decoder

func NewDecoder(r io.Reader) *Decoder {
	return json.NewDecoder(r)
}
