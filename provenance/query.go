package provenance

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"golang.org/x/sync/errgroup"

	"github.com/recflow/recflow/record"
)

// Query selects indexed events. The zero value matches everything in
// the index; narrowing by RecordID lets the per-shard bloom filters
// skip shards that never saw the record.
type Query struct {
	From     time.Time
	To       time.Time
	RecordID record.ID
	Kinds    []Kind
	// Filter, when set, is applied to every candidate event
	Filter func(*Event) bool
	// Limit caps the result count after sequence ordering; 0 is unlimited
	Limit int
}

func (q *Query) matches(e *Event) bool {
	if !q.RecordID.IsZero() && !sameID(q.RecordID, e) {
		return false
	}
	if len(q.Kinds) > 0 {
		ok := false
		for _, k := range q.Kinds {
			if e.Kind == k {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if q.Filter != nil && !q.Filter(e) {
		return false
	}
	return true
}

// sameID matches the queried record against the event's own id and its
// lineage links, so a single query follows clones and joins.
func sameID(id record.ID, e *Event) bool {
	if e.RecordID == id {
		return true
	}
	for _, p := range e.Parents {
		if p == id {
			return true
		}
	}
	for _, c := range e.Children {
		if c == id {
			return true
		}
	}
	return false
}

// Search runs the query across all index shards in parallel and returns
// the matching events in sequence order.
func (el *EventLog) Search(ctx context.Context, q Query) ([]*Event, error) {
	return el.shards.Search(ctx, q)
}

func (sm *ShardManager) Search(ctx context.Context, q Query) ([]*Event, error) {
	from := q.From
	to := q.To
	if to.IsZero() {
		to = time.Now().Add(time.Hour)
	}

	sm.mu.RLock()
	candidates := make([]*Shard, 0, len(sm.shards))
	for _, sh := range sm.shards {
		if !q.From.IsZero() || !q.To.IsZero() {
			if !sh.overlaps(from, to) {
				continue
			}
		}
		if !q.RecordID.IsZero() && !sh.mightContain(q.RecordID) {
			continue
		}
		candidates = append(candidates, sh)
	}
	sm.mu.RUnlock()

	var mu sync.Mutex
	var results []*Event
	g, ctx := errgroup.WithContext(ctx)
	for _, sh := range candidates {
		sh := sh
		g.Go(func() error {
			hits, err := sh.search(ctx, from, to, &q)
			if err != nil {
				return err
			}
			mu.Lock()
			results = append(results, hits...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Seq < results[j].Seq })
	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

func timeKey(t time.Time) []byte {
	key := make([]byte, 9)
	key[0] = 'T'
	binary.BigEndian.PutUint64(key[1:], uint64(t.UnixMilli()))
	return key
}

func (sh *Shard) search(ctx context.Context, from, to time.Time, q *Query) ([]*Event, error) {
	lower := []byte{'T'}
	if !from.IsZero() {
		lower = timeKey(from)
	}
	upper := timeKey(to.Add(time.Millisecond))

	iter, err := sh.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var hits []*Event
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, perr := ParseTLV(iter.Value())
		if perr != nil {
			continue
		}
		if q.matches(e) {
			hits = append(hits, e)
		}
	}
	return hits, iter.Error()
}
