// Package inmem provides an in-memory implementation of memory.Store used
// by tests and the single-process development mode. Versions are kept as
// append-only slices per logical node, mirroring the bitemporal semantics
// of the graph backend: corrections close the open version on the
// transaction axis and append a new one, so "at most one open version"
// can be asserted directly against the fake.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/engram/memory"
)

// Store implements memory.Store in process memory. Safe for concurrent
// use. All entity structs are value types, so reads return copies.
type Store struct {
	mu         sync.RWMutex
	sessions   map[uuid.UUID][]memory.Session
	turns      map[uuid.UUID][]memory.Turn
	messages   map[uuid.UUID][]memory.Message
	reasonings map[uuid.UUID][]memory.Reasoning
	toolCalls  map[uuid.UUID][]memory.ToolCall
	diffs      map[uuid.UUID][]memory.DiffHunk
	snapshots  map[uuid.UUID][]memory.VFSSnapshot
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sessions:   make(map[uuid.UUID][]memory.Session),
		turns:      make(map[uuid.UUID][]memory.Turn),
		messages:   make(map[uuid.UUID][]memory.Message),
		reasonings: make(map[uuid.UUID][]memory.Reasoning),
		toolCalls:  make(map[uuid.UUID][]memory.ToolCall),
		diffs:      make(map[uuid.UUID][]memory.DiffHunk),
		snapshots:  make(map[uuid.UUID][]memory.VFSSnapshot),
	}
}

var _ memory.Store = (*Store)(nil)

// EnsureSession creates the session on first sight; afterwards it only
// advances last_event_at and preview on the open version.
func (s *Store) EnsureSession(_ context.Context, sess memory.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.sessions[sess.ID]
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Open() {
			if sess.LastEventAt > versions[i].LastEventAt {
				versions[i].LastEventAt = sess.LastEventAt
			}
			if sess.Preview != "" {
				versions[i].Preview = sess.Preview
			}
			if sess.Title != "" && versions[i].Title == "" {
				versions[i].Title = sess.Title
			}
			return nil
		}
	}
	s.sessions[sess.ID] = append(versions, sess)
	return nil
}

// CreateTurn upserts by id: re-creating an existing turn is a no-op.
func (s *Store) CreateTurn(_ context.Context, t memory.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.turns[t.ID]) > 0 {
		return nil
	}
	s.turns[t.ID] = append(s.turns[t.ID], t)
	return nil
}

// FinalizeTurn closes the open version and appends the corrected one.
func (s *Store) FinalizeTurn(_ context.Context, turnID uuid.UUID, summary, closedBy string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.turns[turnID]
	for i := len(versions) - 1; i >= 0; i-- {
		if !versions[i].Open() {
			continue
		}
		next := versions[i]
		versions[i].Interval = versions[i].CloseTransaction(now)
		next.Interval.TTStart = memory.Millis(now)
		next.Interval.TTEnd = memory.EndOfTime
		next.Summary = summary
		next.ClosedBy = closedBy
		s.turns[turnID] = append(versions, next)
		return nil
	}
	return memory.ErrTurnNotFound
}

// LatestTurnOrdinal returns the highest ordinal among the session's open
// turn versions.
func (s *Store) LatestTurnOrdinal(_ context.Context, sessionID uuid.UUID) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max, found := 0, false
	for _, versions := range s.turns {
		for _, t := range versions {
			if t.SessionID == sessionID && t.Open() {
				if !found || t.Ordinal > max {
					max, found = t.Ordinal, true
				}
			}
		}
	}
	return max, found, nil
}

// AppendMessage upserts by id.
func (s *Store) AppendMessage(_ context.Context, m memory.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages[m.ID]) > 0 {
		return nil
	}
	s.messages[m.ID] = append(s.messages[m.ID], m)
	return nil
}

// AppendReasoning upserts by id.
func (s *Store) AppendReasoning(_ context.Context, r memory.Reasoning) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reasonings[r.ID]) > 0 {
		return nil
	}
	s.reasonings[r.ID] = append(s.reasonings[r.ID], r)
	return nil
}

// CreateToolCall upserts by id.
func (s *Store) CreateToolCall(_ context.Context, tc memory.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.toolCalls[tc.ID]) > 0 {
		return nil
	}
	s.toolCalls[tc.ID] = append(s.toolCalls[tc.ID], tc)
	return nil
}

// CompleteToolCall corrects the open tool call matched by provider
// tool-use id within the session.
func (s *Store) CompleteToolCall(_ context.Context, sessionID uuid.UUID, toolUseID, result, resultRef string, status memory.ToolCallStatus, now time.Time) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, versions := range s.toolCalls {
		for i := len(versions) - 1; i >= 0; i-- {
			tc := versions[i]
			if !tc.Open() || tc.ToolUseID != toolUseID {
				continue
			}
			if s.turnSession(tc.TurnID) != sessionID {
				continue
			}
			next := tc
			versions[i].Interval = tc.CloseTransaction(now)
			next.Interval.TTStart = memory.Millis(now)
			next.Interval.TTEnd = memory.EndOfTime
			next.Result = result
			next.ResultRef = resultRef
			next.Status = status
			s.toolCalls[id] = append(versions, next)
			return id, nil
		}
	}
	return uuid.Nil, memory.ErrToolCallNotFound
}

// AppendDiffHunk upserts by id.
func (s *Store) AppendDiffHunk(_ context.Context, d memory.DiffHunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.diffs[d.ID]) > 0 {
		return nil
	}
	s.diffs[d.ID] = append(s.diffs[d.ID], d)
	return nil
}

// SaveSnapshot appends the immutable snapshot pointer.
func (s *Store) SaveSnapshot(_ context.Context, snap memory.VFSSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots[snap.ID]) > 0 {
		return nil
	}
	s.snapshots[snap.ID] = append(s.snapshots[snap.ID], snap)
	return nil
}

// Session returns the open version.
func (s *Store) Session(_ context.Context, id uuid.UUID) (memory.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.sessions[id] {
		if v.Open() {
			return v, nil
		}
	}
	return memory.Session{}, memory.ErrSessionNotFound
}

// Turns lists the session's turns visible as of the given time, ordinal
// ascending.
func (s *Store) Turns(_ context.Context, sessionID uuid.UUID, asOf int64) ([]memory.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []memory.Turn
	for _, versions := range s.turns {
		if versions[0].SessionID != sessionID {
			continue
		}
		for i := len(versions) - 1; i >= 0; i-- {
			if visible(versions[i].Interval, asOf) {
				out = append(out, versions[i])
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

// Node resolves any entity into the indexer read model.
func (s *Store) Node(_ context.Context, id uuid.UUID) (memory.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if versions := s.messages[id]; len(versions) > 0 {
		m := versions[len(versions)-1]
		return memory.Node{
			ID: id, SessionID: s.turnSession(m.TurnID), Kind: memory.KindMessage,
			Content: m.Text, ContentRef: m.TextRef, CreatedAt: m.VTStart,
		}, nil
	}
	if versions := s.reasonings[id]; len(versions) > 0 {
		r := versions[len(versions)-1]
		return memory.Node{
			ID: id, SessionID: s.turnSession(r.TurnID), Kind: memory.KindReasoning,
			Content: r.Text, ContentRef: r.TextRef, CreatedAt: r.VTStart,
		}, nil
	}
	if versions := s.toolCalls[id]; len(versions) > 0 {
		tc := versions[len(versions)-1]
		return memory.Node{
			ID: id, SessionID: s.turnSession(tc.TurnID), Kind: memory.KindToolCall,
			Content: tc.Input, ContentRef: tc.InputRef, FilePath: tc.FilePath, CreatedAt: tc.VTStart,
		}, nil
	}
	if versions := s.diffs[id]; len(versions) > 0 {
		d := versions[len(versions)-1]
		return memory.Node{
			ID: id, SessionID: d.SessionID, Kind: memory.KindDiffHunk,
			Content: d.PatchContent, ContentRef: d.PatchRef, FilePath: d.FilePath, CreatedAt: d.VTStart,
		}, nil
	}
	if versions := s.turns[id]; len(versions) > 0 {
		t := versions[len(versions)-1]
		return memory.Node{
			ID: id, SessionID: t.SessionID, Kind: memory.KindTurn,
			Content: t.Summary, CreatedAt: t.VTStart,
		}, nil
	}
	return memory.Node{}, memory.ErrNodeNotFound
}

// LatestSnapshot returns the newest snapshot with VT <= at.
func (s *Store) LatestSnapshot(_ context.Context, sessionID uuid.UUID, at int64) (memory.VFSSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  memory.VFSSnapshot
		found bool
	)
	for _, versions := range s.snapshots {
		for _, snap := range versions {
			if snap.SessionID != sessionID || snap.VT > at {
				continue
			}
			if !found || snap.VT > best.VT {
				best, found = snap, true
			}
		}
	}
	return best, found, nil
}

// DiffsBetween lists open diff versions with after < VTStart <= upTo,
// ordered by VTStart ascending, ties broken by id.
func (s *Store) DiffsBetween(_ context.Context, sessionID uuid.UUID, after, upTo int64) ([]memory.DiffHunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []memory.DiffHunk
	for _, versions := range s.diffs {
		d := versions[len(versions)-1]
		if d.SessionID == sessionID && d.Open() && d.VTStart > after && d.VTStart <= upTo {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VTStart != out[j].VTStart {
			return out[i].VTStart < out[j].VTStart
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// OpenVersions reports how many open versions exist for the node id, so
// tests can assert the single-open-version invariant.
func (s *Store) OpenVersions(id uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, t := range s.turns[id] {
		if t.Open() {
			count++
		}
	}
	for _, tc := range s.toolCalls[id] {
		if tc.Open() {
			count++
		}
	}
	return count
}

// turnSession resolves a turn's session id; callers hold the lock.
func (s *Store) turnSession(turnID uuid.UUID) uuid.UUID {
	for _, t := range s.turns[turnID] {
		return t.SessionID
	}
	return uuid.Nil
}

// visible applies "as of" semantics: asOf <= 0 selects the open version,
// otherwise the version covering asOf on both axes.
func visible(i memory.Interval, asOf int64) bool {
	if asOf <= 0 {
		return i.Open()
	}
	return i.Covers(asOf)
}
