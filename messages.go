package vault

import (
	"fmt"

	"github.com/pmidvault/vault-go/wire"
)

// ResponseStatus is carried by every response a vault sends.
type ResponseStatus uint32

const (
	StatusSuccess ResponseStatus = iota + 1
	StatusNoSuchAccount
	StatusNoSuchElement
	StatusPermissionDenied
)

func (s ResponseStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNoSuchAccount:
		return "no_such_account"
	case StatusNoSuchElement:
		return "no_such_element"
	case StatusPermissionDenied:
		return "permission_denied"
	default:
		return fmt.Sprintf("ResponseStatus(%d)", uint32(s))
	}
}

func statusOf(err error) ResponseStatus {
	switch KindOf(err) {
	case 0:
		if err == nil {
			return StatusSuccess
		}
		return StatusNoSuchElement
	case NoSuchAccount:
		return StatusNoSuchAccount
	case PermissionDenied:
		return StatusPermissionDenied
	default:
		return StatusNoSuchElement
	}
}

// PutRequest is sent by each member of a data manager group when a chunk has been
// stored on the PMID node.
type PutRequest struct {
	MessageID uint64
	Pmid      GroupName
	Data      DataName
	Size      int64
}

// DeleteRequest is sent by each member of a data manager group when a chunk should no
// longer be held by the PMID node.
type DeleteRequest struct {
	MessageID uint64
	Pmid      GroupName
	Data      DataName
	Size      int64
}

// PutFailure is sent by the PMID node when it failed to keep a chunk.
type PutFailure struct {
	MessageID uint64
	Pmid      GroupName
	Data      DataName
	Size      int64
}

// HealthRequest asks for the metadata of a PMID node's account.
type HealthRequest struct {
	MessageID uint64
	Pmid      GroupName
}

// GetAccountRequest is sent by a PMID node asking for its account. It carries the space
// the node claims to have available.
type GetAccountRequest struct {
	MessageID     uint64
	Pmid          GroupName
	AvailableSize int64
}

// Synchronise carries one serialised unresolved action between members of a PMID group.
type Synchronise struct {
	MessageID        uint64
	Pmid             GroupName
	ActionType       ActionKind
	SerialisedAction []byte
}

// AccountTransfer carries a whole account from a previous holder to a new holder.
type AccountTransfer struct {
	MessageID uint64
	Contents  Contents
}

// PutResponse is returned to the data manager group once a put has been committed.
type PutResponse struct {
	MessageID uint64
	Pmid      GroupName
	Data      DataName
	Size      int64
	Status    ResponseStatus
}

// HealthResponse answers a HealthRequest.
type HealthResponse struct {
	MessageID uint64
	Metadata  Metadata
	Status    ResponseStatus
}

// AccountContents answers a GetAccountRequest.
type AccountContents struct {
	MessageID uint64
	Contents  Contents
	Status    ResponseStatus
}

func (r PutRequest) Kind() wire.Kind        { return wire.KindPutRequest }
func (r DeleteRequest) Kind() wire.Kind     { return wire.KindDeleteRequest }
func (r PutFailure) Kind() wire.Kind        { return wire.KindPutFailure }
func (r HealthRequest) Kind() wire.Kind     { return wire.KindHealthRequest }
func (r GetAccountRequest) Kind() wire.Kind { return wire.KindGetAccountRequest }
func (r Synchronise) Kind() wire.Kind       { return wire.KindSynchronise }
func (r AccountTransfer) Kind() wire.Kind   { return wire.KindAccountTransfer }
func (r PutResponse) Kind() wire.Kind       { return wire.KindPutResponse }
func (r HealthResponse) Kind() wire.Kind    { return wire.KindHealthResponse }
func (r AccountContents) Kind() wire.Kind   { return wire.KindAccountContents }

func (r PutRequest) ID() uint64        { return r.MessageID }
func (r DeleteRequest) ID() uint64     { return r.MessageID }
func (r PutFailure) ID() uint64        { return r.MessageID }
func (r HealthRequest) ID() uint64     { return r.MessageID }
func (r GetAccountRequest) ID() uint64 { return r.MessageID }
func (r Synchronise) ID() uint64       { return r.MessageID }
func (r AccountTransfer) ID() uint64   { return r.MessageID }
func (r PutResponse) ID() uint64       { return r.MessageID }
func (r HealthResponse) ID() uint64    { return r.MessageID }
func (r AccountContents) ID() uint64   { return r.MessageID }

const (
	fieldPmid = iota + 1
	fieldData
	fieldSize
	fieldStatus
	fieldAvailableSize
	fieldActionType
	fieldAction
	fieldMetadata
	fieldContents
)

func (r PutRequest) Marshal() []byte {
	return marshalChunkMessage(r.Pmid, r.Data, r.Size)
}

func (r DeleteRequest) Marshal() []byte {
	return marshalChunkMessage(r.Pmid, r.Data, r.Size)
}

func (r PutFailure) Marshal() []byte {
	return marshalChunkMessage(r.Pmid, r.Data, r.Size)
}

func (r HealthRequest) Marshal() []byte {
	var enc wire.Encoder
	enc.String(fieldPmid, string(r.Pmid))
	return enc.Encoded()
}

func (r GetAccountRequest) Marshal() []byte {
	var enc wire.Encoder
	enc.String(fieldPmid, string(r.Pmid))
	enc.Int(fieldAvailableSize, r.AvailableSize)
	return enc.Encoded()
}

func (r Synchronise) Marshal() []byte {
	var enc wire.Encoder
	enc.String(fieldPmid, string(r.Pmid))
	enc.Uint(fieldActionType, uint64(r.ActionType))
	enc.Bytes(fieldAction, r.SerialisedAction)
	return enc.Encoded()
}

func (r AccountTransfer) Marshal() []byte {
	var enc wire.Encoder
	enc.Message(fieldContents, marshalContents(r.Contents))
	return enc.Encoded()
}

func (r PutResponse) Marshal() []byte {
	var enc wire.Encoder
	enc.String(fieldPmid, string(r.Pmid))
	enc.Message(fieldData, marshalDataName(r.Data))
	enc.Int(fieldSize, r.Size)
	enc.Uint(fieldStatus, uint64(r.Status))
	return enc.Encoded()
}

func (r HealthResponse) Marshal() []byte {
	var enc wire.Encoder
	enc.Message(fieldMetadata, marshalMetadata(r.Metadata))
	enc.Uint(fieldStatus, uint64(r.Status))
	return enc.Encoded()
}

func (r AccountContents) Marshal() []byte {
	var enc wire.Encoder
	enc.Message(fieldContents, marshalContents(r.Contents))
	enc.Uint(fieldStatus, uint64(r.Status))
	return enc.Encoded()
}

func marshalChunkMessage(pmid GroupName, data DataName, size int64) []byte {
	var enc wire.Encoder
	enc.String(fieldPmid, string(pmid))
	enc.Message(fieldData, marshalDataName(data))
	enc.Int(fieldSize, size)
	return enc.Encoded()
}

type chunkMessage struct {
	Pmid GroupName
	Data DataName
	Size int64
}

func unmarshalChunkMessage(b []byte) (chunkMessage, error) {
	var m chunkMessage
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldPmid:
			m.Pmid, err = groupField(f)
		case fieldData:
			m.Data, err = dataNameField(f)
		case fieldSize:
			m.Size, err = f.Int()
		}
		return err
	})
	if err != nil {
		return chunkMessage{}, parseError(err)
	}
	if m.Pmid == "" || m.Data.Name == "" {
		return chunkMessage{}, newError(ParsingError, "missing pmid or data name")
	}
	return m, nil
}

// UnmarshalPutRequest decodes the payload of env as a PutRequest.
func UnmarshalPutRequest(env *wire.Envelope) (PutRequest, error) {
	m, err := unmarshalChunkMessage(env.Payload)
	return PutRequest{MessageID: env.MessageID, Pmid: m.Pmid, Data: m.Data, Size: m.Size}, err
}

// UnmarshalDeleteRequest decodes the payload of env as a DeleteRequest.
func UnmarshalDeleteRequest(env *wire.Envelope) (DeleteRequest, error) {
	m, err := unmarshalChunkMessage(env.Payload)
	return DeleteRequest{MessageID: env.MessageID, Pmid: m.Pmid, Data: m.Data, Size: m.Size}, err
}

// UnmarshalPutFailure decodes the payload of env as a PutFailure.
func UnmarshalPutFailure(env *wire.Envelope) (PutFailure, error) {
	m, err := unmarshalChunkMessage(env.Payload)
	return PutFailure{MessageID: env.MessageID, Pmid: m.Pmid, Data: m.Data, Size: m.Size}, err
}

// UnmarshalHealthRequest decodes the payload of env as a HealthRequest.
func UnmarshalHealthRequest(env *wire.Envelope) (HealthRequest, error) {
	r := HealthRequest{MessageID: env.MessageID}
	err := wire.Walk(env.Payload, func(f wire.Field) error {
		var err error
		if f.Num == fieldPmid {
			r.Pmid, err = groupField(f)
		}
		return err
	})
	if err != nil {
		return HealthRequest{}, parseError(err)
	}
	if r.Pmid == "" {
		return HealthRequest{}, newError(ParsingError, "missing pmid")
	}
	return r, nil
}

// UnmarshalGetAccountRequest decodes the payload of env as a GetAccountRequest.
func UnmarshalGetAccountRequest(env *wire.Envelope) (GetAccountRequest, error) {
	r := GetAccountRequest{MessageID: env.MessageID}
	err := wire.Walk(env.Payload, func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldPmid:
			r.Pmid, err = groupField(f)
		case fieldAvailableSize:
			r.AvailableSize, err = f.Int()
		}
		return err
	})
	if err != nil {
		return GetAccountRequest{}, parseError(err)
	}
	if r.Pmid == "" {
		return GetAccountRequest{}, newError(ParsingError, "missing pmid")
	}
	return r, nil
}

// UnmarshalSynchronise decodes the payload of env as a Synchronise message. The action
// itself is left serialised; it is decoded by the Sync instance of the action type.
func UnmarshalSynchronise(env *wire.Envelope) (Synchronise, error) {
	r := Synchronise{MessageID: env.MessageID}
	err := wire.Walk(env.Payload, func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldPmid:
			r.Pmid, err = groupField(f)
		case fieldActionType:
			var v uint64
			v, err = f.Uint()
			r.ActionType = ActionKind(v)
		case fieldAction:
			var b []byte
			b, err = f.Bytes()
			r.SerialisedAction = append([]byte(nil), b...)
		}
		return err
	})
	if err != nil {
		return Synchronise{}, parseError(err)
	}
	if len(r.SerialisedAction) == 0 {
		return Synchronise{}, newError(ParsingError, "missing serialised action")
	}
	return r, nil
}

// UnmarshalAccountTransfer decodes the payload of env as an AccountTransfer.
func UnmarshalAccountTransfer(env *wire.Envelope) (AccountTransfer, error) {
	r := AccountTransfer{MessageID: env.MessageID}
	err := wire.Walk(env.Payload, func(f wire.Field) error {
		var err error
		if f.Num == fieldContents {
			r.Contents, err = contentsField(f)
		}
		return err
	})
	if err != nil {
		return AccountTransfer{}, parseError(err)
	}
	if r.Contents.Metadata.Group == "" {
		return AccountTransfer{}, newError(ParsingError, "missing account")
	}
	return r, nil
}

// UnmarshalPutResponse decodes the payload of env as a PutResponse.
func UnmarshalPutResponse(env *wire.Envelope) (PutResponse, error) {
	r := PutResponse{MessageID: env.MessageID}
	err := wire.Walk(env.Payload, func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldPmid:
			r.Pmid, err = groupField(f)
		case fieldData:
			r.Data, err = dataNameField(f)
		case fieldSize:
			r.Size, err = f.Int()
		case fieldStatus:
			r.Status, err = statusField(f)
		}
		return err
	})
	if err != nil {
		return PutResponse{}, parseError(err)
	}
	return r, nil
}

// UnmarshalHealthResponse decodes the payload of env as a HealthResponse.
func UnmarshalHealthResponse(env *wire.Envelope) (HealthResponse, error) {
	r := HealthResponse{MessageID: env.MessageID}
	err := wire.Walk(env.Payload, func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldMetadata:
			r.Metadata, err = metadataField(f)
		case fieldStatus:
			r.Status, err = statusField(f)
		}
		return err
	})
	if err != nil {
		return HealthResponse{}, parseError(err)
	}
	return r, nil
}

// UnmarshalAccountContents decodes the payload of env as an AccountContents.
func UnmarshalAccountContents(env *wire.Envelope) (AccountContents, error) {
	r := AccountContents{MessageID: env.MessageID}
	err := wire.Walk(env.Payload, func(f wire.Field) error {
		var err error
		switch f.Num {
		case fieldContents:
			r.Contents, err = contentsField(f)
		case fieldStatus:
			r.Status, err = statusField(f)
		}
		return err
	})
	if err != nil {
		return AccountContents{}, parseError(err)
	}
	return r, nil
}

func parseError(err error) error {
	return newError(ParsingError, err.Error())
}

func groupField(f wire.Field) (GroupName, error) {
	s, err := f.String()
	return GroupName(s), err
}

func statusField(f wire.Field) (ResponseStatus, error) {
	v, err := f.Uint()
	return ResponseStatus(v), err
}

const (
	dataNameType = iota + 1
	dataNameName
)

func marshalDataName(d DataName) []byte {
	var enc wire.Encoder
	enc.Uint(dataNameType, uint64(d.Type))
	enc.String(dataNameName, d.Name)
	return enc.Encoded()
}

func dataNameField(f wire.Field) (DataName, error) {
	b, err := f.Bytes()
	if err != nil {
		return DataName{}, err
	}
	var d DataName
	err = wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case dataNameType:
			var v uint64
			v, err = f.Uint()
			d.Type = DataType(v)
		case dataNameName:
			d.Name, err = f.String()
		}
		return err
	})
	return d, err
}

const (
	metadataGroup = iota + 1
	metadataStoredCount
	metadataStoredTotalSize
	metadataLostCount
	metadataLostTotalSize
	metadataClaimedAvailableSize
)

func marshalMetadata(md Metadata) []byte {
	var enc wire.Encoder
	enc.String(metadataGroup, string(md.Group))
	enc.Int(metadataStoredCount, md.StoredCount)
	enc.Int(metadataStoredTotalSize, md.StoredTotalSize)
	enc.Int(metadataLostCount, md.LostCount)
	enc.Int(metadataLostTotalSize, md.LostTotalSize)
	enc.Int(metadataClaimedAvailableSize, md.ClaimedAvailableSize)
	return enc.Encoded()
}

func metadataField(f wire.Field) (Metadata, error) {
	b, err := f.Bytes()
	if err != nil {
		return Metadata{}, err
	}
	var md Metadata
	err = wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case metadataGroup:
			md.Group, err = groupField(f)
		case metadataStoredCount:
			md.StoredCount, err = f.Int()
		case metadataStoredTotalSize:
			md.StoredTotalSize, err = f.Int()
		case metadataLostCount:
			md.LostCount, err = f.Int()
		case metadataLostTotalSize:
			md.LostTotalSize, err = f.Int()
		case metadataClaimedAvailableSize:
			md.ClaimedAvailableSize, err = f.Int()
		}
		return err
	})
	return md, err
}

const (
	contentsMetadata = iota + 1
	contentsEntry
)

const (
	entryData = iota + 1
	entrySize
)

func marshalContents(c Contents) []byte {
	var enc wire.Encoder
	enc.Message(contentsMetadata, marshalMetadata(c.Metadata))
	for _, e := range c.Entries {
		var entry wire.Encoder
		entry.Message(entryData, marshalDataName(e.Key.DataName()))
		entry.Int(entrySize, e.Value.Size)
		enc.Message(contentsEntry, entry.Encoded())
	}
	return enc.Encoded()
}

func contentsField(f wire.Field) (Contents, error) {
	b, err := f.Bytes()
	if err != nil {
		return Contents{}, err
	}
	var c Contents
	var names []DataName
	var values []Value
	err = wire.Walk(b, func(f wire.Field) error {
		switch f.Num {
		case contentsMetadata:
			var err error
			c.Metadata, err = metadataField(f)
			return err
		case contentsEntry:
			eb, err := f.Bytes()
			if err != nil {
				return err
			}
			var name DataName
			var value Value
			err = wire.Walk(eb, func(f wire.Field) error {
				var err error
				switch f.Num {
				case entryData:
					name, err = dataNameField(f)
				case entrySize:
					value.Size, err = f.Int()
				}
				return err
			})
			names = append(names, name)
			values = append(values, value)
			return err
		}
		return nil
	})
	if err != nil {
		return Contents{}, err
	}

	// Entries always belong to the account they were sent with
	for i, name := range names {
		c.Entries = append(c.Entries, Entry{
			Key:   EntryKey{Group: c.Metadata.Group, Type: name.Type, Name: name.Name},
			Value: values[i],
		})
	}
	return c, nil
}
