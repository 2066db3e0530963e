package vault

import (
	"fmt"

	"github.com/pmidvault/vault-go/wire"
)

// ActionKind is the tag carried in a Synchronise message identifying the action type.
type ActionKind uint32

const (
	ActionPut ActionKind = iota + 1
	ActionDelete
	ActionSetAvailableSize
)

func (k ActionKind) String() string {
	switch k {
	case ActionPut:
		return "put"
	case ActionDelete:
		return "delete"
	case ActionSetAvailableSize:
		return "set_available_size"
	default:
		return fmt.Sprintf("ActionKind(%d)", uint32(k))
	}
}

// Action is a change to an account which the members of a PMID group agree on through
// Sync before it is committed.
type Action interface {
	Kind() ActionKind
	Marshal() []byte
	// Mutation returns the change to apply to the account holding key.
	Mutation(key EntryKey) Mutation
}

// PutAction records a chunk stored on the PMID node.
type PutAction struct {
	Size int64
}

func (a PutAction) Kind() ActionKind { return ActionPut }

func (a PutAction) Marshal() []byte {
	var enc wire.Encoder
	enc.Int(1, a.Size)
	return enc.Encoded()
}

// Mutation stores the entry. An existing entry of the same name is replaced and the
// stored counters adjusted by the difference.
func (a PutAction) Mutation(key EntryKey) Mutation {
	name := key.DataName()
	return func(md *Metadata, entries *Entries) error {
		if a.Size < 0 {
			return newError(InvalidParameter, fmt.Sprintf("negative size %d for '%s'", a.Size, key))
		}
		if v, ok := entries.Get(name); ok {
			md.DeleteData(v.Size)
		}
		md.PutData(a.Size)
		entries.Put(name, Value{Size: a.Size})
		return nil
	}
}

func UnmarshalPutAction(b []byte) (PutAction, error) {
	var a PutAction
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		if f.Num == 1 {
			a.Size, err = f.Int()
		}
		return err
	})
	if err != nil {
		return PutAction{}, parseError(err)
	}
	return a, nil
}

// DeleteAction removes a chunk from the account. When Failed is set the PMID node lost
// the chunk and its size is moved to the lost counters.
type DeleteAction struct {
	Size   int64
	Failed bool
}

func (a DeleteAction) Kind() ActionKind { return ActionDelete }

func (a DeleteAction) Marshal() []byte {
	var enc wire.Encoder
	enc.Int(1, a.Size)
	enc.Bool(2, a.Failed)
	return enc.Encoded()
}

// Mutation removes the entry, failing with NoSuchElement if it is not held. The counters
// are adjusted by the size that was stored, not the size carried in the request.
func (a DeleteAction) Mutation(key EntryKey) Mutation {
	name := key.DataName()
	return func(md *Metadata, entries *Entries) error {
		v, ok := entries.Get(name)
		if !ok {
			return newError(NoSuchElement, fmt.Sprintf("entry '%s'", key))
		}
		entries.Delete(name)
		if a.Failed {
			md.HandleLostData(v.Size)
			return nil
		}
		md.DeleteData(v.Size)
		return nil
	}
}

func UnmarshalDeleteAction(b []byte) (DeleteAction, error) {
	var a DeleteAction
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			a.Size, err = f.Int()
		case 2:
			a.Failed, err = f.Bool()
		}
		return err
	})
	if err != nil {
		return DeleteAction{}, parseError(err)
	}
	return a, nil
}

// SetAvailableSizeAction records the space a PMID node claims to have available.
type SetAvailableSizeAction struct {
	AvailableSize int64
}

func (a SetAvailableSizeAction) Kind() ActionKind { return ActionSetAvailableSize }

func (a SetAvailableSizeAction) Marshal() []byte {
	var enc wire.Encoder
	enc.Int(1, a.AvailableSize)
	return enc.Encoded()
}

func (a SetAvailableSizeAction) Mutation(EntryKey) Mutation {
	return func(md *Metadata, _ *Entries) error {
		md.SetAvailableSize(a.AvailableSize)
		return nil
	}
}

func UnmarshalSetAvailableSizeAction(b []byte) (SetAvailableSizeAction, error) {
	var a SetAvailableSizeAction
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		if f.Num == 1 {
			a.AvailableSize, err = f.Int()
		}
		return err
	})
	if err != nil {
		return SetAvailableSizeAction{}, parseError(err)
	}
	return a, nil
}
