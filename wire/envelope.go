package wire

import (
	"fmt"
	"strconv"
)

// Kind discriminates the payload carried by an Envelope.
type Kind uint32

const (
	KindUnknown Kind = iota
	KindPutRequest
	KindDeleteRequest
	KindPutFailure
	KindHealthRequest
	KindGetAccountRequest
	KindSynchronise
	KindAccountTransfer
	KindPutResponse
	KindHealthResponse
	KindAccountContents
)

var kindNames = map[Kind]string{
	KindPutRequest:        "PutRequest",
	KindDeleteRequest:     "DeleteRequest",
	KindPutFailure:        "PutFailure",
	KindHealthRequest:     "HealthRequest",
	KindGetAccountRequest: "GetAccountRequest",
	KindSynchronise:       "Synchronise",
	KindAccountTransfer:   "AccountTransfer",
	KindPutResponse:       "PutResponse",
	KindHealthResponse:    "HealthResponse",
	KindAccountContents:   "AccountContents",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Kind(" + strconv.FormatUint(uint64(k), 10) + ")"
}

// Envelope is the unit of transmission between nodes.
type Envelope struct {
	Kind      Kind
	MessageID uint64
	// Sender is the identity of the node which sent the envelope.
	Sender string
	// Group is the account (or data group) the message is addressed to.
	Group   string
	Payload []byte
}

const (
	envKind = iota + 1
	envMessageID
	envSender
	envGroup
	envPayload
)

// Marshal encodes the envelope.
func (e *Envelope) Marshal() []byte {
	var enc Encoder
	enc.Uint(envKind, uint64(e.Kind))
	enc.Uint(envMessageID, e.MessageID)
	enc.String(envSender, e.Sender)
	enc.String(envGroup, e.Group)
	enc.Bytes(envPayload, e.Payload)
	return enc.Encoded()
}

// UnmarshalEnvelope decodes an envelope previously encoded with Marshal.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	err := Walk(b, func(f Field) error {
		var err error
		switch f.Num {
		case envKind:
			var v uint64
			v, err = f.Uint()
			e.Kind = Kind(v)
		case envMessageID:
			e.MessageID, err = f.Uint()
		case envSender:
			e.Sender, err = f.String()
		case envGroup:
			e.Group, err = f.String()
		case envPayload:
			var p []byte
			p, err = f.Bytes()
			e.Payload = append([]byte(nil), p...)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if e.Kind == KindUnknown {
		return nil, fmt.Errorf("%w: envelope has no kind", ErrMalformed)
	}
	return &e, nil
}
