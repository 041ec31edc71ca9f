package recflow

import (
	"time"

	"github.com/recflow/recflow/provenance"
	"github.com/recflow/recflow/record"
	"github.com/recflow/recflow/recflow_errors"
)

// Session is one transaction: a unit of record work that commits or
// rolls back atomically. Deltas, provenance events, and claim transfers
// are buffered in the session and become visible to the rest of the
// repository only at Commit. A Session belongs to a single worker and is
// not safe for concurrent use.
type Session struct {
	repo *Repo

	working map[record.ID]*record.Record
	removed map[record.ID]*record.Record

	deltas []*record.Delta
	events []*provenance.Event

	// resource claims referenced for the first time by this session;
	// rolled back with an immediate release since nothing durable ever
	// pointed at them
	newClaims []record.ResourceClaim
	// superseded claims, released (pending checkpoint) on commit
	releases []record.ResourceClaim

	done bool
}

func (r *Repo) NewSession() *Session {
	return &Session{
		repo:    r,
		working: make(map[record.ID]*record.Record),
		removed: make(map[record.ID]*record.Record),
	}
}

// get resolves a record id against the session's own view first, then
// the shared cache.
func (s *Session) get(id record.ID) (*record.Record, error) {
	if _, gone := s.removed[id]; gone {
		return nil, recflow_errors.ErrRecordUnknown
	}
	if rec, ok := s.working[id]; ok {
		return rec, nil
	}
	return s.repo.Get(id)
}

// mutate clones the record's current state into the session so the
// shared cache never sees uncommitted changes.
func (s *Session) mutate(id record.ID) (*record.Record, error) {
	cur, err := s.get(id)
	if err != nil {
		return nil, err
	}
	cp := cur.Clone()
	s.working[id] = cp
	return cp, nil
}

func copyAttrs(attrs map[string]string) map[string]string {
	cp := make(map[string]string, len(attrs))
	for k, v := range attrs {
		cp[k] = v
	}
	return cp
}

// Create makes a new record on queue with the given attributes. With one
// or more parents the record is a JOIN product and the lineage links are
// recorded; without parents it is an origin CREATE.
func (s *Session) Create(queue string, attrs map[string]string, parents ...record.ID) (*record.Record, error) {
	if s.done {
		return nil, recflow_errors.ErrSessionClosed
	}
	now := time.Now()
	rec := &record.Record{
		ID:           record.NewID(),
		Attrs:        copyAttrs(attrs),
		Queue:        queue,
		Entry:        now,
		LineageStart: now,
	}
	s.working[rec.ID] = rec
	s.deltas = append(s.deltas, &record.Delta{Op: record.OpCreate, Rec: rec})

	e := &provenance.Event{Kind: provenance.KindCreate, RecordID: rec.ID, Time: now}
	if len(parents) > 0 {
		e.Kind = provenance.KindJoin
		e.Parents = parents
	}
	s.events = append(s.events, e)
	return rec, nil
}

// Read streams the record's current content. Empty records read as
// empty.
func (s *Session) Read(id record.ID) ([]byte, error) {
	rec, err := s.get(id)
	if err != nil {
		return nil, err
	}
	if rec.Claim == nil {
		return nil, nil
	}
	return s.repo.content.ReadAll(*rec.Claim)
}

// Write replaces the record's content copy-on-write: the bytes land in a
// brand new claim and the superseded claim, if any, is released when the
// session commits.
func (s *Session) Write(id record.ID, data []byte) error {
	if s.done {
		return recflow_errors.ErrSessionClosed
	}
	rec, err := s.mutate(id)
	if err != nil {
		return err
	}
	claim, err := s.repo.content.Append(data)
	if err != nil {
		return err
	}
	s.newClaims = append(s.newClaims, claim.Resource)
	if rec.Claim != nil {
		s.releases = append(s.releases, rec.Claim.Resource)
	}
	rec.Claim = &claim
	s.deltas = append(s.deltas, &record.Delta{Op: record.OpUpdate, Rec: rec})
	s.events = append(s.events, &provenance.Event{
		Kind:     provenance.KindContentMod,
		RecordID: id,
		Claim:    &claim,
	})
	return nil
}

// Transform rewrites the record's content through fn, copy-on-write.
func (s *Session) Transform(id record.ID, fn func([]byte) ([]byte, error)) error {
	data, err := s.Read(id)
	if err != nil {
		return err
	}
	out, err := fn(data)
	if err != nil {
		return err
	}
	return s.Write(id, out)
}

// UpdateAttributes replaces the record's attribute map wholesale.
func (s *Session) UpdateAttributes(id record.ID, attrs map[string]string) error {
	if s.done {
		return recflow_errors.ErrSessionClosed
	}
	rec, err := s.mutate(id)
	if err != nil {
		return err
	}
	before := rec.Attrs
	rec.Attrs = copyAttrs(attrs)
	s.deltas = append(s.deltas, &record.Delta{Op: record.OpUpdate, Rec: rec})
	s.events = append(s.events, &provenance.Event{
		Kind:        provenance.KindAttrsModified,
		RecordID:    id,
		AttrsBefore: before,
	})
	return nil
}

// Clone makes a new record with a fresh id, copied attributes, and the
// very same content claim; the shared resource gains a reference.
func (s *Session) Clone(id record.ID) (*record.Record, error) {
	if s.done {
		return nil, recflow_errors.ErrSessionClosed
	}
	src, err := s.get(id)
	if err != nil {
		return nil, err
	}
	cp := src.Clone()
	cp.ID = record.NewID()
	cp.Entry = time.Now()
	s.working[cp.ID] = cp
	if cp.Claim != nil {
		s.repo.content.Claims().Claimed(cp.Claim.Resource)
		s.newClaims = append(s.newClaims, cp.Claim.Resource)
	}
	s.deltas = append(s.deltas, &record.Delta{Op: record.OpCreate, Rec: cp})
	// the source may never be touched again this session, so its
	// attributes are captured here; a later mutation of the source
	// refreshes them at commit
	s.events = append(s.events, &provenance.Event{
		Kind:       provenance.KindClone,
		RecordID:   id,
		Children:   []record.ID{cp.ID},
		Queue:      src.Queue,
		AttrsAfter: copyAttrs(src.Attrs),
	})
	return cp, nil
}

// TransferTo moves the record to another queue; the relationship taken
// is recorded on the ROUTE event.
func (s *Session) TransferTo(id record.ID, queue, relationship string) error {
	if s.done {
		return recflow_errors.ErrSessionClosed
	}
	rec, err := s.mutate(id)
	if err != nil {
		return err
	}
	rec.Queue = queue
	s.deltas = append(s.deltas, &record.Delta{Op: record.OpUpdate, Rec: rec})
	s.events = append(s.events, &provenance.Event{
		Kind:     provenance.KindRoute,
		RecordID: id,
		Detail:   relationship,
	})
	return nil
}

// Remove marks the record done. Its claim is released at commit and the
// bytes become cleanup-eligible once a checkpoint confirms the release.
func (s *Session) Remove(id record.ID) error {
	if s.done {
		return recflow_errors.ErrSessionClosed
	}
	rec, err := s.get(id)
	if err != nil {
		return err
	}
	delete(s.working, id)
	s.removed[id] = rec
	if rec.Claim != nil {
		s.releases = append(s.releases, rec.Claim.Resource)
	}
	s.deltas = append(s.deltas, &record.Delta{Op: record.OpDelete, Rec: rec})
	s.events = append(s.events, &provenance.Event{
		Kind:     provenance.KindDrop,
		RecordID: id,
	})
	return nil
}

// Send records a transmission to transitURI. Unlike every other kind,
// the attribute snapshot is taken now, at emission: the transmitted copy
// cannot retroactively pick up attribute changes made later in the same
// session.
func (s *Session) Send(id record.ID, transitURI string) error {
	if s.done {
		return recflow_errors.ErrSessionClosed
	}
	rec, err := s.get(id)
	if err != nil {
		return err
	}
	s.events = append(s.events, &provenance.Event{
		Kind:       provenance.KindSend,
		RecordID:   id,
		Time:       time.Now(),
		Queue:      rec.Queue,
		Detail:     transitURI,
		AttrsAfter: copyAttrs(rec.Attrs),
	})
	return nil
}

// Receive records that the record's content came from sourceURI.
func (s *Session) Receive(id record.ID, sourceURI string) error {
	if s.done {
		return recflow_errors.ErrSessionClosed
	}
	if _, err := s.get(id); err != nil {
		return err
	}
	s.events = append(s.events, &provenance.Event{
		Kind:     provenance.KindReceive,
		RecordID: id,
		Detail:   sourceURI,
	})
	return nil
}

// Associate links the record to an identifier known outside the system.
func (s *Session) Associate(id record.ID, external string) error {
	if s.done {
		return recflow_errors.ErrSessionClosed
	}
	if _, err := s.get(id); err != nil {
		return err
	}
	s.events = append(s.events, &provenance.Event{
		Kind:     provenance.KindAssociate,
		RecordID: id,
		Detail:   external,
	})
	return nil
}

// Commit durably appends the session's deltas as one all-or-nothing
// frame, applies them to the shared cache, hands claim transfers to the
// claim manager, and flushes the buffered provenance events with
// commit-time attributes (SEND events keep their emission-time
// snapshot).
func (s *Session) Commit() error {
	if s.done {
		return recflow_errors.ErrSessionClosed
	}
	s.done = true
	start := time.Now()

	r := s.repo
	r.commitLock.RLock()
	defer r.commitLock.RUnlock()
	if r.closed.Load() {
		s.undoClaims()
		return recflow_errors.ErrRepoClosed
	}

	if len(s.deltas) > 0 {
		if err := r.wal.Append(s.deltas); err != nil {
			s.undoClaims()
			CommitCount.WithLabelValues("error").Inc()
			return err
		}
		for _, d := range s.deltas {
			switch d.Op {
			case record.OpCreate, record.OpUpdate:
				r.cache.Store(d.Rec.ID.String(), d.Rec)
			case record.OpDelete:
				r.cache.Delete(d.Rec.ID.String())
			}
		}
	}

	for _, rc := range s.releases {
		r.content.Claims().Released(rc)
	}

	now := time.Now()
	for _, e := range s.events {
		if e.Time.IsZero() {
			e.Time = now
		}
		if e.Kind == provenance.KindSend {
			continue
		}
		final := s.working[e.RecordID]
		if final == nil {
			final = s.removed[e.RecordID]
		}
		if final != nil {
			e.AttrsAfter = copyAttrs(final.Attrs)
			e.Queue = final.Queue
		}
	}
	if len(s.events) > 0 {
		if err := r.prov.Append(s.events); err != nil {
			// the metadata commit is already durable; lineage loss is
			// logged, never unwound
			r.log.Warn("provenance flush failed", "events", len(s.events), "err", err)
		}
	}

	CacheRecords.Set(float64(r.cache.Len()))
	CommitCount.WithLabelValues("ok").Inc()
	CommitDuration.Observe(float64(time.Since(start).Milliseconds()))
	return nil
}

// Rollback discards everything the session buffered. Claims written by
// the session never became durable, so they are released immediately and
// their files become cleanup-eligible without waiting for a checkpoint.
func (s *Session) Rollback() {
	if s.done {
		return
	}
	s.done = true
	s.undoClaims()
	CommitCount.WithLabelValues("rollback").Inc()
}

func (s *Session) undoClaims() {
	for _, rc := range s.newClaims {
		s.repo.content.Claims().ReleasedImmediate(rc)
	}
}
