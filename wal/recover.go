package wal

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"

	"github.com/recflow/recflow/protocol"
	"github.com/recflow/recflow/record"
)

var ErrNoFooter = errors.New("snapshot has no valid footer")
var ErrBadFooter = errors.New("snapshot footer mismatch")

// Recover reconstructs the record set as of the last durable commit:
// choose the newest complete snapshot, then replay every complete journal
// frame after it. A truncated or corrupt journal tail is logged and
// dropped, never an error; everything before it is intact by the frame
// checksums.
func (l *Log) Recover() (map[record.ID]*record.Record, error) {
	recs, swaps, err := l.chooseSnapshot()
	if err != nil {
		return nil, err
	}

	if err := l.replayJournal(recs, swaps); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.swaps = swaps
	l.mu.Unlock()
	return recs, nil
}

// chooseSnapshot prefers a complete partial checkpoint over the previous
// snapshot: the partial being complete means the crash happened after the
// new state was fully durable, only the rename was lost.
func (l *Log) chooseSnapshot() (map[record.ID]*record.Record, map[string]struct{}, error) {
	snapshot := filepath.Join(l.dir, SnapshotName)
	partial := filepath.Join(l.dir, PartialName)

	if _, err := os.Stat(partial); err == nil {
		if recs, swaps, err := loadSnapshot(partial); err == nil {
			l.log.Info("promoting complete partial checkpoint", "records", len(recs))
			if err := os.Rename(partial, snapshot); err != nil {
				return nil, nil, errors.Wrap(err, "promote partial checkpoint")
			}
			return recs, swaps, nil
		}
		l.log.Warn("discarding incomplete partial checkpoint")
		if err := os.Remove(partial); err != nil {
			return nil, nil, errors.Wrap(err, "drop partial checkpoint")
		}
	}

	if _, err := os.Stat(snapshot); os.IsNotExist(err) {
		return make(map[record.ID]*record.Record), make(map[string]struct{}), nil
	}
	recs, swaps, err := loadSnapshot(snapshot)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load snapshot")
	}
	return recs, swaps, nil
}

func loadSnapshot(path string) (map[record.ID]*record.Record, map[string]struct{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	ver, rest := protocol.Take('V', data)
	if len(ver) != 1 || ver[0] != formatVersion {
		return nil, nil, errors.Wrapf(ErrNoFooter, "bad version header in %s", path)
	}

	recs := make(map[record.ID]*record.Record)
	swaps := make(map[string]struct{})
	hash := xxhash.New()
	count := uint64(0)
	sealed := false

	for len(rest) > 0 && !sealed {
		lit, body, r := protocol.TakeAny(rest)
		if body == nil {
			return nil, nil, ErrNoFooter
		}
		switch lit {
		case 'S':
			swaps[string(body)] = struct{}{}
		case 'F':
			rec, perr := record.ParseTLV(body)
			if perr != nil {
				return nil, nil, perr
			}
			// hash covers the full F record, header included
			_, _ = hash.Write(rest[:len(rest)-len(r)])
			recs[rec.ID] = rec
			count++
		case 'Z':
			if len(body) != 16 {
				return nil, nil, ErrBadFooter
			}
			if binary.BigEndian.Uint64(body[:8]) != count ||
				binary.BigEndian.Uint64(body[8:]) != hash.Sum64() {
				return nil, nil, ErrBadFooter
			}
			sealed = true
		default:
			return nil, nil, ErrNoFooter
		}
		rest = r
	}
	if !sealed {
		return nil, nil, ErrNoFooter
	}
	return recs, swaps, nil
}

func (l *Log) replayJournal(recs map[record.ID]*record.Record, swaps map[string]struct{}) error {
	// a journal rotated out by an unfinished checkpoint predates the live
	// one; replay in that order so frames apply exactly as appended
	frames := 0
	for _, name := range []string{PrevJournalName, JournalName} {
		n, err := l.replayFile(filepath.Join(l.dir, name), recs, swaps)
		if err != nil {
			return err
		}
		frames += n
	}
	l.log.Info("journal replayed", "frames", frames, "records", len(recs))
	return nil
}

func (l *Log) replayFile(path string, recs map[record.ID]*record.Record, swaps map[string]struct{}) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	frames := 0
	for len(data) > 0 {
		body, rest := protocol.Take('X', data)
		if body == nil {
			// durability failure taxonomy: anything past the last intact
			// frame is lost, which must be reported, not hidden
			l.log.Warn("journal tail unreadable, dropping", "file", path, "bytes", len(data), "replayed", frames)
			break
		}
		sum, payload := protocol.Take('H', body)
		if len(sum) != 8 || xxhash.Sum64(payload) != binary.BigEndian.Uint64(sum) {
			l.log.Warn("journal frame failed checksum, dropping tail", "file", path, "bytes", len(data), "replayed", frames)
			break
		}
		for len(payload) > 0 {
			d, after, derr := record.ParseDelta(payload)
			if derr != nil {
				return frames, errors.Wrap(derr, "checksummed frame with bad delta")
			}
			applyDelta(recs, swaps, d)
			payload = after
		}
		frames++
		data = rest
	}
	return frames, nil
}

func applyDelta(recs map[record.ID]*record.Record, swaps map[string]struct{}, d *record.Delta) {
	switch d.Op {
	case record.OpCreate, record.OpUpdate:
		recs[d.Rec.ID] = d.Rec
	case record.OpDelete:
		delete(recs, d.Rec.ID)
	case record.OpSwapOut:
		// live but offloaded: the swap file carries the record now
		delete(recs, d.Rec.ID)
		swaps[d.SwapID] = struct{}{}
	case record.OpSwapIn:
		recs[d.Rec.ID] = d.Rec
		delete(swaps, d.SwapID)
	}
}
