// Package storetest provides an in-memory record store for component tests.
// It honors the same optimistic-concurrency contract as a real store:
// versions increment on every write and conditional updates fail with
// *remotestore.ConflictError when the record changed since it was read.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"pairbeat/go-sync-core/internal/remotestore"
)

// Store implements remotestore.Client in memory.
type Store struct {
	mu            sync.Mutex
	records       map[string]remotestore.Record
	subscriptions []remotestore.Subscription
	seq           int64

	// Calls counts invocations per operation name (save, fetch, delete,
	// conditional_update, subscribe).
	calls map[string]int

	// failures maps an operation name to errors returned before the
	// operation is attempted; each entry is consumed once.
	failures map[string][]error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		records:  make(map[string]remotestore.Record),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

// FailNext arranges for the next n calls of op to return err.
func (s *Store) FailNext(op string, err error, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures[op] = append(s.failures[op], err)
	}
}

// Calls returns how many times op was invoked, including failed calls.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Subscriptions returns all registered subscriptions.
func (s *Store) Subscriptions() []remotestore.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remotestore.Subscription, len(s.subscriptions))
	copy(out, s.subscriptions)
	return out
}

// Records returns a snapshot of all records of the given type.
func (s *Store) Records(typ remotestore.RecordType) []remotestore.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []remotestore.Record
	for _, rec := range s.records {
		if rec.Type == typ {
			out = append(out, rec)
		}
	}
	return out
}

// Get returns a record by ID.
func (s *Store) Get(id string) (remotestore.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// Put stores a record directly, bypassing call accounting. Test setup only.
func (s *Store) Put(rec remotestore.Record) remotestore.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rec.Version = s.seq
	s.records[rec.ID] = rec
	return rec
}

func (s *Store) begin(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if queue := s.failures[op]; len(queue) > 0 {
		err := queue[0]
		s.failures[op] = queue[1:]
		return err
	}
	return nil
}

// Save implements remotestore.Client.
func (s *Store) Save(ctx context.Context, rec remotestore.Record) (remotestore.Record, error) {
	if err := s.begin("save"); err != nil {
		return remotestore.Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return remotestore.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = fmt.Sprintf("rec-%d", s.seq+1)
	}
	s.seq++
	rec.Version = s.seq
	s.records[rec.ID] = rec
	return rec, nil
}

// Fetch implements remotestore.Client.
func (s *Store) Fetch(ctx context.Context, q remotestore.Query) ([]remotestore.Record, error) {
	if err := s.begin("fetch"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []remotestore.Record
	for _, rec := range s.records {
		if rec.Type != q.Type {
			continue
		}
		if matches(rec, q.Predicate) {
			out = append(out, rec)
		}
	}
	if q.Sort != nil {
		field, desc := q.Sort.Field, q.Sort.Descending
		sort.SliceStable(out, func(i, j int) bool {
			less := fieldLess(out[i], out[j], field)
			if desc {
				return !less
			}
			return less
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Delete implements remotestore.Client.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if err := s.begin("delete"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

// ConditionalUpdate implements remotestore.Client.
func (s *Store) ConditionalUpdate(ctx context.Context, rec remotestore.Record, expectedVersion int64) (remotestore.Record, error) {
	if err := s.begin("conditional_update"); err != nil {
		return remotestore.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[rec.ID]
	if !ok {
		return remotestore.Record{}, remotestore.ErrNotFound
	}
	if current.Version != expectedVersion {
		return remotestore.Record{}, &remotestore.ConflictError{RecordID: rec.ID, ServerVersion: current.Version}
	}
	s.seq++
	rec.Type = current.Type
	rec.Version = s.seq
	s.records[rec.ID] = rec
	return rec, nil
}

// Subscribe implements remotestore.Client.
func (s *Store) Subscribe(ctx context.Context, sub remotestore.Subscription) error {
	if err := s.begin("subscribe"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = append(s.subscriptions, sub)
	return nil
}

func matches(rec remotestore.Record, pred remotestore.Predicate) bool {
	if len(pred) == 0 {
		return true
	}
	var fields map[string]any
	if err := json.Unmarshal(rec.Fields, &fields); err != nil {
		return false
	}
	for key, want := range pred {
		if key == "id" {
			if fmt.Sprint(want) != rec.ID {
				return false
			}
			continue
		}
		got, ok := fields[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func fieldLess(a, b remotestore.Record, field string) bool {
	av, bv := fieldValue(a, field), fieldValue(b, field)
	at, aok := parseTime(av)
	bt, bok := parseTime(bv)
	if aok && bok {
		return at.Before(bt)
	}
	return av < bv
}

func fieldValue(rec remotestore.Record, field string) string {
	var fields map[string]any
	if err := json.Unmarshal(rec.Fields, &fields); err != nil {
		return ""
	}
	return fmt.Sprint(fields[field])
}

func parseTime(s string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
