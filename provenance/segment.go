package provenance

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"github.com/recflow/recflow/protocol"
)

// Segment files hold one merged, sequence-ordered generation of events.
// They are the durable archival form; the index shards are derived from
// them and answer queries. A compressed segment uses the framed snappy
// format and the .segz extension.

func segmentName(firstSeq uint64, compressed bool) string {
	if compressed {
		return fmt.Sprintf("segment-%016x.segz", firstSeq)
	}
	return fmt.Sprintf("segment-%016x.seg", firstSeq)
}

func isSegmentName(name string) bool {
	return strings.HasPrefix(name, "segment-") &&
		(strings.HasSuffix(name, ".seg") || strings.HasSuffix(name, ".segz"))
}

// mergeGeneration consolidates one closed generation: read every event
// from its log files, sort by sequence, write the segment, index it, and
// only then delete the raw files. Any failure leaves the raw files in
// place so the generation is retried on the next rollover pass.
func (el *EventLog) mergeGeneration(gen uint64) error {
	pattern := filepath.Join(el.opts.Dir, fmt.Sprintf("gen%08d-*.plog", gen))
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	var events []*Event
	for _, path := range paths {
		evs, err := readEventFile(path)
		if err != nil {
			return errors.Wrapf(err, "read %s", path)
		}
		events = append(events, evs...)
	}

	if len(events) > 0 {
		sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

		if err := el.writeSegment(events); err != nil {
			return err
		}
		// a crash between indexing and raw-file removal replays the
		// generation; events the shards already hold must not land a
		// second time in a newer shard
		maxSeq := el.shards.MaxSeq()
		skip := sort.Search(len(events), func(i int) bool { return events[i].Seq > maxSeq })
		if err := el.shards.Index(events[skip:]); err != nil {
			return err
		}
	}

	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			el.log.Warn("merged log file remove failed", "file", path, "err", err)
		}
	}
	el.log.Debug("generation merged", "gen", gen, "events", len(events))
	return nil
}

func (el *EventLog) writeSegment(events []*Event) error {
	name := segmentName(events[0].Seq, el.opts.Compress)
	tmp := filepath.Join(el.opts.Dir, name+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	var w io.Writer = f
	var sw *snappy.Writer
	if el.opts.Compress {
		sw = snappy.NewBufferedWriter(f)
		w = sw
	}
	for _, e := range events {
		if _, err = w.Write(e.AppendTLV(nil)); err != nil {
			f.Close()
			return err
		}
	}
	if sw != nil {
		if err = sw.Close(); err != nil {
			f.Close()
			return err
		}
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(el.opts.Dir, name))
}

// ReadSegment loads every event of a consolidated segment file.
func ReadSegment(path string) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(path, ".segz") {
		r = snappy.NewReader(f)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return parseEventStream(data)
}

// readEventFile loads the raw events of one rolling log file. A torn
// trailing record (crash mid-write) is dropped; everything before it is
// intact because events are appended whole.
func readEventFile(path string) ([]*Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseEventStream(data)
}

func parseEventStream(data []byte) ([]*Event, error) {
	buf := bytes.NewBuffer(data)
	recs, err := protocol.Split(buf)
	if err != nil && !errors.Is(err, protocol.ErrIncomplete) {
		return nil, err
	}
	var events []*Event
	for _, rec := range recs {
		body, _ := protocol.Take('P', rec)
		if body == nil {
			continue
		}
		e, perr := ParseTLV(body)
		if perr != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
