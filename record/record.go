// Package record holds the data model of the store: records, their
// content claims and the deltas the metadata log persists.
package record

import (
	"time"

	"github.com/google/uuid"
)

// ID identifies one record for its whole lifetime.
type ID uuid.UUID

var ZeroID ID

func NewID() ID {
	return ID(uuid.New())
}

func IDFromBytes(b []byte) (ID, error) {
	u, err := uuid.FromBytes(b)
	return ID(u), err
}

func ParseID(s string) (ID, error) {
	u, err := uuid.Parse(s)
	return ID(u), err
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

func (id ID) Bytes() []byte {
	b := [16]byte(id)
	return b[:]
}

func (id ID) IsZero() bool {
	return id == ZeroID
}

// ResourceClaim identifies one physical append-only content file.
// Its lifetime is governed solely by its reference count.
type ResourceClaim struct {
	Container string
	Section   string
	File      string
}

// Key is the refcount map key; containers and sections never contain '/'.
func (rc ResourceClaim) Key() string {
	return rc.Container + "/" + rc.Section + "/" + rc.File
}

func (rc ResourceClaim) IsZero() bool {
	return rc.File == ""
}

// ContentClaim points at a byte range inside a resource file. Claims are
// never mutated, only superseded by copy-on-write.
type ContentClaim struct {
	Resource ResourceClaim
	Offset   int64
	Length   int64
}

// Record is the unit of data flowing through the system. The attribute
// map is replaced wholesale on every mutation, never edited in place, so
// a *Record taken from the cache is safe to read without locks once the
// pointer is obtained.
type Record struct {
	ID           ID
	Attrs        map[string]string
	Claim        *ContentClaim
	Queue        string
	Entry        time.Time
	LineageStart time.Time
}

// Size is the payload length in bytes, zero for empty records.
func (r *Record) Size() int64 {
	if r.Claim == nil {
		return 0
	}
	return r.Claim.Length
}

// Clone returns a deep copy sharing no mutable state with the original.
// The content claim value is copied; both point at the same immutable
// resource range.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Attrs = make(map[string]string, len(r.Attrs))
	for k, v := range r.Attrs {
		cp.Attrs[k] = v
	}
	if r.Claim != nil {
		claim := *r.Claim
		cp.Claim = &claim
	}
	return &cp
}

// Delta ops, also used as the TLV record type of a serialized delta.
const (
	OpCreate  byte = 'N'
	OpUpdate  byte = 'U'
	OpDelete  byte = 'D'
	OpSwapOut byte = 'S'
	OpSwapIn  byte = 'W'
)

// Delta is one durable state transition of one record.
type Delta struct {
	Op     byte
	Rec    *Record
	SwapID string // set for OpSwapOut / OpSwapIn
}
