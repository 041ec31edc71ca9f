package record

import (
	"encoding/binary"
	"errors"
	"time"

	"github.com/recflow/recflow/protocol"
)

// TLV layout of a serialized record ('F' body):
//
//	I  16-byte id
//	Q  owning queue (optional)
//	E  entry time, unix millis, 8 bytes BE
//	L  lineage start, unix millis, 8 bytes BE
//	C  content claim (optional): K container, S section, R file, O offset, N length
//	A  attribute pair, repeated: K key, V value
//
// A delta is a record of type Op ('N','U','D','S','W') whose body is the
// 'F' record plus an optional 'G' swap file id.

var ErrBadRecord = errors.New("recflow: bad record serialization")
var ErrBadDelta = errors.New("recflow: bad delta serialization")

func appendUint64(lit byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return protocol.Record(lit, b[:])
}

// AppendClaimTLV serializes a content claim as a 'C' record.
func AppendClaimTLV(into []byte, c *ContentClaim) []byte {
	return protocol.Append(into, 'C',
		protocol.Record('K', []byte(c.Resource.Container)),
		protocol.Record('S', []byte(c.Resource.Section)),
		protocol.Record('R', []byte(c.Resource.File)),
		appendUint64('O', uint64(c.Offset)),
		appendUint64('N', uint64(c.Length)),
	)
}

// ParseClaimTLV parses the body of a 'C' record.
func ParseClaimTLV(body []byte) (c ContentClaim, err error) {
	var k, s, r, o, n []byte
	k, body = protocol.Take('K', body)
	s, body = protocol.Take('S', body)
	r, body = protocol.Take('R', body)
	o, body = protocol.Take('O', body)
	n, _ = protocol.Take('N', body)
	if k == nil || s == nil || r == nil || len(o) != 8 || len(n) != 8 {
		return c, ErrBadRecord
	}
	c.Resource = ResourceClaim{Container: string(k), Section: string(s), File: string(r)}
	c.Offset = int64(binary.BigEndian.Uint64(o))
	c.Length = int64(binary.BigEndian.Uint64(n))
	return c, nil
}

// AppendTLV serializes the record as an 'F' record.
func (r *Record) AppendTLV(into []byte) []byte {
	bookmark, buf := protocol.OpenHeader(into, 'F')
	buf = protocol.Append(buf, 'I', r.ID.Bytes())
	if r.Queue != "" {
		buf = protocol.Append(buf, 'Q', []byte(r.Queue))
	}
	buf = append(buf, appendUint64('E', uint64(r.Entry.UnixMilli()))...)
	buf = append(buf, appendUint64('L', uint64(r.LineageStart.UnixMilli()))...)
	if r.Claim != nil {
		buf = AppendClaimTLV(buf, r.Claim)
	}
	for k, v := range r.Attrs {
		buf = protocol.Append(buf, 'A',
			protocol.Record('K', []byte(k)),
			protocol.Record('V', []byte(v)),
		)
	}
	protocol.CloseHeader(buf, bookmark)
	return buf
}

// ParseTLV parses the body of an 'F' record.
func ParseTLV(body []byte) (*Record, error) {
	idb, rest := protocol.Take('I', body)
	if len(idb) != 16 {
		return nil, ErrBadRecord
	}
	id, err := IDFromBytes(idb)
	if err != nil {
		return nil, ErrBadRecord
	}
	rec := &Record{ID: id, Attrs: map[string]string{}}
	for len(rest) > 0 {
		lit, fbody, r := protocol.TakeAny(rest)
		if fbody == nil {
			return nil, ErrBadRecord
		}
		rest = r
		switch lit {
		case 'Q':
			rec.Queue = string(fbody)
		case 'E':
			if len(fbody) != 8 {
				return nil, ErrBadRecord
			}
			rec.Entry = time.UnixMilli(int64(binary.BigEndian.Uint64(fbody)))
		case 'L':
			if len(fbody) != 8 {
				return nil, ErrBadRecord
			}
			rec.LineageStart = time.UnixMilli(int64(binary.BigEndian.Uint64(fbody)))
		case 'C':
			claim, cerr := ParseClaimTLV(fbody)
			if cerr != nil {
				return nil, cerr
			}
			rec.Claim = &claim
		case 'A':
			kb, vrest := protocol.Take('K', fbody)
			vb, _ := protocol.Take('V', vrest)
			if kb == nil || vb == nil {
				return nil, ErrBadRecord
			}
			rec.Attrs[string(kb)] = string(vb)
		default:
			// unknown fields are skipped for forward compatibility
		}
	}
	return rec, nil
}

// AppendTLV serializes the delta with its op byte as the record type.
func (d *Delta) AppendTLV(into []byte) []byte {
	bookmark, buf := protocol.OpenHeader(into, d.Op)
	buf = d.Rec.AppendTLV(buf)
	if d.SwapID != "" {
		buf = protocol.Append(buf, 'G', []byte(d.SwapID))
	}
	protocol.CloseHeader(buf, bookmark)
	return buf
}

// ParseDelta parses one serialized delta record.
func ParseDelta(rec []byte) (*Delta, []byte, error) {
	lit, body, rest := protocol.TakeAny(rec)
	switch lit {
	case OpCreate, OpUpdate, OpDelete, OpSwapOut, OpSwapIn:
	default:
		return nil, nil, ErrBadDelta
	}
	if body == nil {
		return nil, nil, ErrBadDelta
	}
	fbody, after := protocol.Take('F', body)
	if fbody == nil {
		return nil, nil, ErrBadDelta
	}
	r, err := ParseTLV(fbody)
	if err != nil {
		return nil, nil, err
	}
	d := &Delta{Op: lit, Rec: r}
	if g, _ := protocol.Take('G', after); g != nil {
		d.SwapID = string(g)
	}
	return d, rest, nil
}
