package vault

import (
	"cmp"
	"strconv"

	"github.com/pmidvault/vault-go/transport/peer"
)

// NodeID is the identity of a vault or client node.
type NodeID = peer.ID

// GroupName identifies the owner of an account, i.e. the PMID node whose holdings
// are being tracked.
type GroupName string

func (g GroupName) String() string {
	return string(g)
}

// DataType distinguishes the kinds of chunk a PMID node can hold.
type DataType uint32

const (
	DataTypeImmutable DataType = iota + 1
	DataTypeMutable
	DataTypeStructured
)

func (t DataType) String() string {
	switch t {
	case DataTypeImmutable:
		return "immutable"
	case DataTypeMutable:
		return "mutable"
	case DataTypeStructured:
		return "structured"
	default:
		return "DataType(" + strconv.FormatUint(uint64(t), 10) + ")"
	}
}

// DataName identifies one chunk in the network.
type DataName struct {
	Type DataType
	Name string
}

func (d DataName) String() string {
	return d.Type.String() + "/" + d.Name
}

func compareDataNames(a, b DataName) int {
	if c := cmp.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	return cmp.Compare(a.Name, b.Name)
}

// EntryKey identifies one stored chunk within a group's account.
type EntryKey struct {
	Group GroupName
	Type  DataType
	Name  string
}

// DataName returns the chunk part of the key.
func (k EntryKey) DataName() DataName {
	return DataName{Type: k.Type, Name: k.Name}
}

func (k EntryKey) String() string {
	return string(k.Group) + ":" + k.DataName().String()
}

// Value is the per-entry record stored for a chunk.
type Value struct {
	Size int64
}

// Status is derived from the counters of a Metadata.
type Status int

const (
	StatusActive Status = iota + 1
	StatusEmpty
)

func (s Status) String() string {
	if s == StatusEmpty {
		return "empty"
	}
	return "active"
}

// Metadata is the aggregate state of one group's account. It is only ever changed by
// a Mutation running inside GroupDb.Commit.
type Metadata struct {
	Group                GroupName
	StoredCount          int64
	StoredTotalSize      int64
	LostCount            int64
	LostTotalSize        int64
	ClaimedAvailableSize int64
}

// Status returns StatusEmpty when the account holds nothing.
func (m Metadata) Status() Status {
	if m.StoredCount == 0 && m.StoredTotalSize == 0 {
		return StatusEmpty
	}
	return StatusActive
}

// PutData records a newly stored chunk of the given size.
func (m *Metadata) PutData(size int64) {
	m.StoredCount++
	m.StoredTotalSize += size
}

// DeleteData removes a chunk from the stored counters. The counters never go negative.
func (m *Metadata) DeleteData(size int64) {
	m.StoredCount = max(m.StoredCount-1, 0)
	m.StoredTotalSize = max(m.StoredTotalSize-size, 0)
}

// HandleLostData moves a chunk from the stored counters into the lost counters.
func (m *Metadata) HandleLostData(size int64) {
	m.DeleteData(size)
	m.LostCount++
	m.LostTotalSize += size
}

// SetAvailableSize records the space the PMID node claims to have available.
func (m *Metadata) SetAvailableSize(size int64) {
	m.ClaimedAvailableSize = max(size, 0)
}
