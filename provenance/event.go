// Package provenance implements the append-only lineage log: one
// immutable event per lineage-relevant change, written to a set of
// parallel rolling files, periodically merged into consolidated segments
// and indexed into time-bounded pebble shards for query. Events are never
// edited; retention removes whole shards only.
package provenance

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/recflow/recflow/protocol"
	"github.com/recflow/recflow/record"
)

// Kind is the fixed vocabulary of provenance event kinds.
type Kind byte

const (
	KindCreate        Kind = 'C'
	KindReceive       Kind = 'R'
	KindSend          Kind = 'S'
	KindClone         Kind = 'K'
	KindRoute         Kind = 'O'
	KindAttrsModified Kind = 'A'
	KindContentMod    Kind = 'M'
	KindJoin          Kind = 'J'
	KindDrop          Kind = 'D'
	KindAssociate     Kind = 'X'
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "CREATE"
	case KindReceive:
		return "RECEIVE"
	case KindSend:
		return "SEND"
	case KindClone:
		return "CLONE"
	case KindRoute:
		return "ROUTE"
	case KindAttrsModified:
		return "ATTRIBUTES_MODIFIED"
	case KindContentMod:
		return "CONTENT_MODIFIED"
	case KindJoin:
		return "JOIN"
	case KindDrop:
		return "DROP"
	case KindAssociate:
		return "ASSOCIATE"
	default:
		return "UNKNOWN"
	}
}

// Event is one immutable lineage record. Seq is assigned by the event
// log at flush time and is strictly monotonic within one repository.
type Event struct {
	Kind     Kind
	RecordID record.ID
	Seq      uint64
	Time     time.Time
	Queue    string
	// Route relationship, transit URI or external identifier, depending
	// on the kind
	Detail      string
	AttrsBefore map[string]string
	AttrsAfter  map[string]string
	Claim       *record.ContentClaim
	Parents     []record.ID
	Children    []record.ID
}

var ErrBadEvent = errors.New("provenance: bad event serialization")

func appendU64(lit byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return protocol.Record(lit, b[:])
}

func appendAttrs(buf []byte, lit byte, attrs map[string]string) []byte {
	for k, v := range attrs {
		buf = protocol.Append(buf, lit,
			protocol.Record('K', []byte(k)),
			protocol.Record('V', []byte(v)),
		)
	}
	return buf
}

func parseAttrPair(body []byte) (k, v string, err error) {
	kb, rest := protocol.Take('K', body)
	vb, _ := protocol.Take('V', rest)
	if kb == nil || vb == nil {
		return "", "", ErrBadEvent
	}
	return string(kb), string(vb), nil
}

// AppendTLV serializes the event as a 'P' record.
func (e *Event) AppendTLV(into []byte) []byte {
	bookmark, buf := protocol.OpenHeader(into, 'P')
	buf = protocol.Append(buf, 'K', []byte{byte(e.Kind)})
	buf = protocol.Append(buf, 'I', e.RecordID.Bytes())
	buf = append(buf, appendU64('Q', e.Seq)...)
	buf = append(buf, appendU64('T', uint64(e.Time.UnixMilli()))...)
	if e.Queue != "" {
		buf = protocol.Append(buf, 'U', []byte(e.Queue))
	}
	if e.Detail != "" {
		buf = protocol.Append(buf, 'L', []byte(e.Detail))
	}
	buf = appendAttrs(buf, 'B', e.AttrsBefore)
	buf = appendAttrs(buf, 'A', e.AttrsAfter)
	if e.Claim != nil {
		buf = record.AppendClaimTLV(buf, e.Claim)
	}
	for _, p := range e.Parents {
		buf = protocol.Append(buf, 'R', p.Bytes())
	}
	for _, c := range e.Children {
		buf = protocol.Append(buf, 'D', c.Bytes())
	}
	protocol.CloseHeader(buf, bookmark)
	return buf
}

// ParseTLV parses the body of a 'P' record.
func ParseTLV(body []byte) (*Event, error) {
	e := &Event{AttrsBefore: map[string]string{}, AttrsAfter: map[string]string{}}
	seen := false
	for len(body) > 0 {
		lit, fbody, rest := protocol.TakeAny(body)
		if fbody == nil {
			return nil, ErrBadEvent
		}
		body = rest
		switch lit {
		case 'K':
			if len(fbody) != 1 {
				return nil, ErrBadEvent
			}
			e.Kind = Kind(fbody[0])
			seen = true
		case 'I':
			id, err := record.IDFromBytes(fbody)
			if err != nil {
				return nil, ErrBadEvent
			}
			e.RecordID = id
		case 'Q':
			if len(fbody) != 8 {
				return nil, ErrBadEvent
			}
			e.Seq = binary.BigEndian.Uint64(fbody)
		case 'T':
			if len(fbody) != 8 {
				return nil, ErrBadEvent
			}
			e.Time = time.UnixMilli(int64(binary.BigEndian.Uint64(fbody)))
		case 'U':
			e.Queue = string(fbody)
		case 'L':
			e.Detail = string(fbody)
		case 'B':
			k, v, err := parseAttrPair(fbody)
			if err != nil {
				return nil, err
			}
			e.AttrsBefore[k] = v
		case 'A':
			k, v, err := parseAttrPair(fbody)
			if err != nil {
				return nil, err
			}
			e.AttrsAfter[k] = v
		case 'C':
			claim, err := record.ParseClaimTLV(fbody)
			if err != nil {
				return nil, err
			}
			e.Claim = &claim
		case 'R':
			id, err := record.IDFromBytes(fbody)
			if err != nil {
				return nil, ErrBadEvent
			}
			e.Parents = append(e.Parents, id)
		case 'D':
			id, err := record.IDFromBytes(fbody)
			if err != nil {
				return nil, ErrBadEvent
			}
			e.Children = append(e.Children, id)
		default:
			// skip unknown fields
		}
	}
	if !seen || e.RecordID.IsZero() {
		return nil, ErrBadEvent
	}
	return e, nil
}
