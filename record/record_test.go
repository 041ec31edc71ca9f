package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *Record {
	return &Record{
		ID:    NewID(),
		Attrs: map[string]string{"path": "/in", "uuid-ish": "x"},
		Claim: &ContentClaim{
			Resource: ResourceClaim{Container: "default", Section: "7", File: "res-1"},
			Offset:   1024,
			Length:   42,
		},
		Queue:        "ingest",
		Entry:        time.UnixMilli(1700000000000),
		LineageStart: time.UnixMilli(1699999999000),
	}
}

func TestRecordRoundtrip(t *testing.T) {
	orig := sampleRecord()
	buf := orig.AppendTLV(nil)

	// the 'F' wrapper is what the WAL stores
	body := buf[5:] // long header
	parsed, err := ParseTLV(body)
	require.NoError(t, err)

	assert.Equal(t, orig.ID, parsed.ID)
	assert.Equal(t, orig.Attrs, parsed.Attrs)
	assert.Equal(t, orig.Queue, parsed.Queue)
	assert.Equal(t, *orig.Claim, *parsed.Claim)
	assert.Equal(t, orig.Entry.UnixMilli(), parsed.Entry.UnixMilli())
	assert.Equal(t, orig.LineageStart.UnixMilli(), parsed.LineageStart.UnixMilli())
}

func TestRecordNoClaim(t *testing.T) {
	orig := &Record{ID: NewID(), Attrs: map[string]string{}, Entry: time.Now()}
	buf := orig.AppendTLV(nil)
	parsed, err := ParseTLV(buf[5:])
	require.NoError(t, err)
	assert.Nil(t, parsed.Claim)
	assert.Equal(t, int64(0), parsed.Size())
}

func TestDeltaRoundtrip(t *testing.T) {
	d := &Delta{Op: OpSwapOut, Rec: sampleRecord(), SwapID: "swap-abc"}
	buf := d.AppendTLV(nil)

	parsed, rest, err := ParseDelta(buf)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Equal(t, OpSwapOut, parsed.Op)
	assert.Equal(t, "swap-abc", parsed.SwapID)
	assert.Equal(t, d.Rec.ID, parsed.Rec.ID)
}

func TestDeltaBadOp(t *testing.T) {
	d := &Delta{Op: OpCreate, Rec: sampleRecord()}
	buf := d.AppendTLV(nil)
	buf[0] = 'Z'
	_, _, err := ParseDelta(buf)
	assert.ErrorIs(t, err, ErrBadDelta)
}

func TestCloneIsolation(t *testing.T) {
	orig := sampleRecord()
	cp := orig.Clone()
	cp.Attrs["path"] = "/other"
	cp.Claim.Offset = 9

	assert.Equal(t, "/in", orig.Attrs["path"])
	assert.Equal(t, int64(1024), orig.Claim.Offset)
	assert.Equal(t, orig.Claim.Resource, cp.Claim.Resource)
}
