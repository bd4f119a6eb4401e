package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/engram/memory"
	"github.com/hyperengineering/engram/pipeline/event"
)

// Turn roles.
const (
	roleUser      = "user"
	roleAssistant = "assistant"
)

// sessionState is one session's turn FSM. The partition keeps a session's
// events serial, so the lock only arbitrates between the apply path and
// the idle sweeper, which uses TryLock and skips busy sessions.
type sessionState struct {
	mu       sync.Mutex
	id       uuid.UUID
	lastSeen time.Time

	// turn is the open turn, nil while Idle.
	turn *openTurn
	// nextOrdinal is the ordinal the next turn receives. Bootstrapped
	// from the store on first sight so restarts keep the sequence
	// gap-free.
	nextOrdinal  int
	bootstrapped bool
	// gone marks state the sweeper removed from the map; apply re-fetches.
	gone bool
}

// openTurn tracks the turn currently accepting children.
type openTurn struct {
	id      uuid.UUID
	ordinal int
	role    string
	summary string
	// children numbers the next child appended under the turn.
	children int
}

// state returns the session's FSM, creating it on first sight.
func (a *Aggregator) state(sessionID uuid.UUID) *sessionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.sessions[sessionID]
	if !ok {
		st = &sessionState{id: sessionID}
		a.sessions[sessionID] = st
	}
	return st
}

// lockState returns the session's FSM with its lock held, re-fetching if
// the idle sweeper removed it between lookup and lock.
func (a *Aggregator) lockState(sessionID uuid.UUID) *sessionState {
	for {
		st := a.state(sessionID)
		st.mu.Lock()
		if !st.gone {
			return st
		}
		st.mu.Unlock()
	}
}

// apply routes one typed event through the turn FSM and into the graph.
// Writes are idempotent upserts keyed by the event's deterministic id, so
// redelivery replays cleanly.
func (a *Aggregator) apply(ctx context.Context, ev event.Event) error {
	st := a.lockState(ev.Session())
	defer st.mu.Unlock()

	now := a.now()
	st.lastSeen = now

	if !st.bootstrapped {
		if err := a.bootstrap(ctx, st); err != nil {
			return err
		}
	}
	if err := a.touchSession(ctx, ev, now); err != nil {
		return err
	}

	switch e := ev.(type) {
	case event.UserMessage:
		return a.applyUserMessage(ctx, st, e, now)
	case event.AssistantText:
		return a.applyAssistantText(ctx, st, e, now)
	case event.Reasoning:
		return a.applyReasoning(ctx, st, e, now)
	case event.ToolUse:
		return a.applyToolUse(ctx, st, e, now)
	case event.ToolResult:
		return a.applyToolResult(ctx, st, e, now)
	case event.Diff:
		return a.applyDiff(ctx, st, e, now)
	case event.UsageMarker:
		return a.applyUsageMarker(ctx, st, e, now)
	case event.SystemInit:
		// Session metadata only; handled by touchSession.
		return nil
	default:
		return fmt.Errorf("aggregate: unhandled event kind %q", ev.Kind())
	}
}

// bootstrap recovers the turn ordinal sequence from the store so a
// restarted aggregator continues where the previous one stopped.
func (a *Aggregator) bootstrap(ctx context.Context, st *sessionState) error {
	var (
		ordinal int
		ok      bool
	)
	if err := a.write(ctx, func(ctx context.Context) error {
		var err error
		ordinal, ok, err = a.store.LatestTurnOrdinal(ctx, st.id)
		return err
	}); err != nil {
		return fmt.Errorf("bootstrap session %s: %w", st.id, err)
	}
	if ok {
		st.nextOrdinal = ordinal + 1
	}
	st.bootstrapped = true
	return nil
}

// touchSession upserts the session node: created on first sight, its
// last-event watermark advanced on every event. User messages refresh the
// preview; the title sets once from the first user message or init record.
func (a *Aggregator) touchSession(ctx context.Context, ev event.Event, now time.Time) error {
	sess := memory.Session{
		Interval:    memory.NewInterval(now),
		ID:          ev.Session(),
		StartedAt:   eventMillis(ev),
		LastEventAt: eventMillis(ev),
	}
	switch e := ev.(type) {
	case event.UserMessage:
		sess.Preview = truncate(e.Text, previewLimit)
		sess.Title = truncate(e.Text, previewLimit)
	case event.SystemInit:
		if e.WorkingDir != "" {
			sess.Title = e.WorkingDir
		}
	}
	if err := a.write(ctx, func(ctx context.Context) error {
		return a.store.EnsureSession(ctx, sess)
	}); err != nil {
		return fmt.Errorf("ensure session %s: %w", ev.Session(), err)
	}
	return nil
}

// applyUserMessage implements Idle+UserMessage -> Open and the implicit
// role-flip close of an already open turn. A redelivery of the message
// that opened the current turn skips the close: the writes below are
// idempotent and replay cleanly.
func (a *Aggregator) applyUserMessage(ctx context.Context, st *sessionState, e event.UserMessage, now time.Time) error {
	if st.turn == nil || st.turn.id != turnID(e.ID()) {
		if st.turn != nil {
			if err := a.finalizeTurn(ctx, st, ClosedByRoleFlip, nil, now); err != nil {
				return err
			}
		}
		if err := a.openTurn(ctx, st, e.ID(), roleUser, truncate(e.Text, summaryLimit), eventMillis(e), now); err != nil {
			return err
		}
	}
	text, ref, err := a.externalize(ctx, e.Text)
	if err != nil {
		return err
	}
	msg := memory.Message{
		Interval: eventInterval(e, now),
		ID:       e.ID(),
		TurnID:   st.turn.id,
		Role:     roleUser,
		Text:     text,
		TextRef:  ref,
		Order:    st.turn.next(),
	}
	if err := a.write(ctx, func(ctx context.Context) error {
		return a.store.AppendMessage(ctx, msg)
	}); err != nil {
		return fmt.Errorf("append user message %s: %w", e.ID(), err)
	}
	return a.announce(ctx, memory.Notification{
		Type:       memory.NotifyNodeCreated,
		SessionID:  e.Session(),
		NodeID:     e.ID(),
		Kind:       memory.KindMessage,
		PayloadRef: ref,
	})
}

// applyAssistantText appends assistant output under the open turn. Output
// arriving while Idle (for example after an idle sweep closed the turn)
// opens an assistant-initiated turn rather than dropping the event.
func (a *Aggregator) applyAssistantText(ctx context.Context, st *sessionState, e event.AssistantText, now time.Time) error {
	if err := a.requireTurn(ctx, st, e.ID(), roleAssistant, truncate(e.Text, summaryLimit), eventMillis(e), now); err != nil {
		return err
	}
	text, ref, err := a.externalize(ctx, e.Text)
	if err != nil {
		return err
	}
	msg := memory.Message{
		Interval: eventInterval(e, now),
		ID:       e.ID(),
		TurnID:   st.turn.id,
		Role:     roleAssistant,
		Text:     text,
		TextRef:  ref,
		Order:    st.turn.next(),
	}
	if err := a.write(ctx, func(ctx context.Context) error {
		return a.store.AppendMessage(ctx, msg)
	}); err != nil {
		return fmt.Errorf("append assistant text %s: %w", e.ID(), err)
	}
	return a.announce(ctx, memory.Notification{
		Type:       memory.NotifyNodeCreated,
		SessionID:  e.Session(),
		NodeID:     e.ID(),
		Kind:       memory.KindMessage,
		PayloadRef: ref,
	})
}

// applyReasoning appends a thinking block, first consulting the
// deduplicator: near-identical thoughts collapse onto the existing node
// instead of creating and indexing a duplicate.
func (a *Aggregator) applyReasoning(ctx context.Context, st *sessionState, e event.Reasoning, now time.Time) error {
	if err := a.requireTurn(ctx, st, e.ID(), roleAssistant, "", eventMillis(e), now); err != nil {
		return err
	}
	if a.dedup != nil && e.Text != "" {
		existing, ok, err := a.dedup.FindDuplicate(ctx, e.Text)
		if err != nil {
			a.logger.Debug(ctx, "dedup lookup failed", "event", e.ID(), "err", err)
		} else if ok {
			a.metrics.IncCounter("aggregate_deduplicated_total", 1)
			a.logger.Debug(ctx, "reasoning collapsed onto existing node", "event", e.ID(), "node", existing)
			return nil
		}
	}
	text, ref, err := a.externalize(ctx, e.Text)
	if err != nil {
		return err
	}
	r := memory.Reasoning{
		Interval: eventInterval(e, now),
		ID:       e.ID(),
		TurnID:   st.turn.id,
		Text:     text,
		TextRef:  ref,
		Order:    st.turn.next(),
	}
	if err := a.write(ctx, func(ctx context.Context) error {
		return a.store.AppendReasoning(ctx, r)
	}); err != nil {
		return fmt.Errorf("append reasoning %s: %w", e.ID(), err)
	}
	return a.announce(ctx, memory.Notification{
		Type:       memory.NotifyNodeCreated,
		SessionID:  e.Session(),
		NodeID:     e.ID(),
		Kind:       memory.KindReasoning,
		PayloadRef: ref,
	})
}

// applyToolUse records a pending tool call.
func (a *Aggregator) applyToolUse(ctx context.Context, st *sessionState, e event.ToolUse, now time.Time) error {
	if err := a.requireTurn(ctx, st, e.ID(), roleAssistant, "", eventMillis(e), now); err != nil {
		return err
	}
	input, ref, err := a.externalize(ctx, e.Input)
	if err != nil {
		return err
	}
	tc := memory.ToolCall{
		Interval:  eventInterval(e, now),
		ID:        e.ID(),
		TurnID:    st.turn.id,
		ToolUseID: e.ToolUseID,
		ToolName:  e.Name,
		Input:     input,
		InputRef:  ref,
		Status:    memory.ToolCallPending,
		FilePath:  e.FilePath,
	}
	st.turn.next()
	if err := a.write(ctx, func(ctx context.Context) error {
		return a.store.CreateToolCall(ctx, tc)
	}); err != nil {
		return fmt.Errorf("create tool call %s: %w", e.ID(), err)
	}
	return a.announce(ctx, memory.Notification{
		Type:       memory.NotifyNodeCreated,
		SessionID:  e.Session(),
		NodeID:     e.ID(),
		Kind:       memory.KindToolCall,
		PayloadRef: ref,
	})
}

// applyToolResult corrects the matching tool call with its outcome. A
// result with no recorded tool_use is a logical inconsistency: partition
// ordering should have delivered the use first, so the event is
// dead-lettered rather than retried.
func (a *Aggregator) applyToolResult(ctx context.Context, st *sessionState, e event.ToolResult, now time.Time) error {
	content, ref, err := a.externalize(ctx, e.Content)
	if err != nil {
		return err
	}
	status := memory.ToolCallCompleted
	if e.IsError {
		status = memory.ToolCallFailed
	}
	var nodeID uuid.UUID
	if err := a.write(ctx, func(ctx context.Context) error {
		var err error
		nodeID, err = a.store.CompleteToolCall(ctx, st.id, e.ToolUseID, content, ref, status, now)
		return err
	}); err != nil {
		return fmt.Errorf("complete tool call %q: %w", e.ToolUseID, err)
	}
	return a.announce(ctx, memory.Notification{
		Type:       memory.NotifyNodeCreated,
		SessionID:  e.Session(),
		NodeID:     nodeID,
		Kind:       memory.KindToolCall,
		PayloadRef: ref,
	})
}

// applyDiff appends an immutable diff hunk.
func (a *Aggregator) applyDiff(ctx context.Context, st *sessionState, e event.Diff, now time.Time) error {
	if err := a.requireTurn(ctx, st, e.ID(), roleAssistant, "", eventMillis(e), now); err != nil {
		return err
	}
	patch, ref, err := a.externalize(ctx, e.Patch)
	if err != nil {
		return err
	}
	d := memory.DiffHunk{
		Interval:     eventInterval(e, now),
		ID:           e.ID(),
		TurnID:       st.turn.id,
		SessionID:    e.Session(),
		FilePath:     e.FilePath,
		PatchContent: patch,
		PatchRef:     ref,
	}
	st.turn.next()
	if err := a.write(ctx, func(ctx context.Context) error {
		return a.store.AppendDiffHunk(ctx, d)
	}); err != nil {
		return fmt.Errorf("append diff hunk %s: %w", e.ID(), err)
	}
	return a.announce(ctx, memory.Notification{
		Type:       memory.NotifyNodeCreated,
		SessionID:  e.Session(),
		NodeID:     e.ID(),
		Kind:       memory.KindDiffHunk,
		PayloadRef: ref,
	})
}

// applyUsageMarker closes the open turn: Open+UsageMarker -> Closing ->
// Idle. A marker with no open turn is a stale terminal (the idle sweep or
// a role flip already closed it) and is skipped.
func (a *Aggregator) applyUsageMarker(ctx context.Context, st *sessionState, e event.UsageMarker, now time.Time) error {
	if st.turn == nil {
		a.logger.Debug(ctx, "usage marker with no open turn", "session", st.id, "event", e.ID())
		return nil
	}
	return a.finalizeTurn(ctx, st, ClosedByUsage, &e, now)
}

// turnID derives a turn's id from its opening event, so redelivery
// recreates the same node and the MERGE upsert holds.
func turnID(openedBy uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(openedBy, []byte("turn"))
}

// openTurn creates the next turn.
func (a *Aggregator) openTurn(ctx context.Context, st *sessionState, openedBy uuid.UUID, role, summary string, vtStart int64, now time.Time) error {
	turn := memory.Turn{
		Interval:  memory.NewInterval(now),
		ID:        turnID(openedBy),
		SessionID: st.id,
		Ordinal:   st.nextOrdinal,
		Role:      role,
		Summary:   summary,
	}
	turn.VTStart = vtStart
	if err := a.write(ctx, func(ctx context.Context) error {
		return a.store.CreateTurn(ctx, turn)
	}); err != nil {
		return fmt.Errorf("create turn ordinal %d: %w", turn.Ordinal, err)
	}
	st.turn = &openTurn{id: turn.ID, ordinal: turn.Ordinal, role: role, summary: summary}
	st.nextOrdinal++
	a.metrics.IncCounter("aggregate_turns_opened_total", 1)
	return nil
}

// requireTurn opens an implicit turn for child events arriving while
// Idle, so at-least-once delivery never drops content on the floor.
func (a *Aggregator) requireTurn(ctx context.Context, st *sessionState, openedBy uuid.UUID, role, summary string, vtStart int64, now time.Time) error {
	if st.turn != nil {
		return nil
	}
	return a.openTurn(ctx, st, openedBy, role, summary, vtStart, now)
}

// finalizeTurn corrects the turn with its close reason, publishes the
// durable finalized record, announces the turn node for indexing, and
// returns the FSM to Idle. Callers hold st.mu.
func (a *Aggregator) finalizeTurn(ctx context.Context, st *sessionState, closedBy string, usage *event.UsageMarker, now time.Time) error {
	turn := st.turn
	if err := a.write(ctx, func(ctx context.Context) error {
		return a.store.FinalizeTurn(ctx, turn.id, turn.summary, closedBy, now)
	}); err != nil {
		return fmt.Errorf("finalize turn %s: %w", turn.id, err)
	}
	fin := TurnFinalized{
		SessionID: st.id,
		TurnID:    turn.id,
		Ordinal:   turn.ordinal,
		ClosedBy:  closedBy,
		Summary:   turn.summary,
	}
	if usage != nil {
		fin.InputTokens = usage.InputTokens
		fin.OutputTokens = usage.OutputTokens
		fin.Model = usage.Model
		fin.StopReason = usage.StopReason
	}
	if err := a.publishFinalized(ctx, fin); err != nil {
		return err
	}
	if turn.summary != "" {
		if err := a.announce(ctx, memory.Notification{
			Type:      memory.NotifyNodeCreated,
			SessionID: st.id,
			NodeID:    turn.id,
			Kind:      memory.KindTurn,
		}); err != nil {
			return err
		}
	}
	st.turn = nil
	a.metrics.IncCounter("aggregate_turns_finalized_total", 1, "closed_by", closedBy)
	return nil
}

// next returns the current child index and advances the counter.
func (t *openTurn) next() int {
	n := t.children
	t.children++
	return n
}

// eventInterval stamps a node's bitemporal quadruple: validity starts at
// the event's causal time, the transaction at the write clock.
func eventInterval(ev event.Event, now time.Time) memory.Interval {
	iv := memory.NewInterval(now)
	iv.VTStart = eventMillis(ev)
	return iv
}

// eventMillis converts the event's causal microsecond timestamp to epoch
// milliseconds.
func eventMillis(ev event.Event) int64 { return ev.Timestamp() / 1000 }

// truncate shortens s to at most n runes, appending an ellipsis when it
// cut anything.
func truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
