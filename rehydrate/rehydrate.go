package rehydrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hyperengineering/engram/blob"
	"github.com/hyperengineering/engram/memory"
	"github.com/hyperengineering/engram/telemetry"
)

// Error is a rehydration failure: the snapshot was unreadable or every
// diff in the chain failed to apply.
type Error struct {
	SessionID uuid.UUID
	Reason    string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rehydrate session %s: %s: %v", e.SessionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("rehydrate session %s: %s", e.SessionID, e.Reason)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Options configures the rehydration service.
type Options struct {
	// Store is the bitemporal graph store holding snapshots and diffs.
	// Required.
	Store memory.Store

	// Blobs resolves snapshot and externalized patch content. Required.
	Blobs blob.Store

	// Logger records skipped and failed diffs. Defaults to a no-op.
	Logger telemetry.Logger
}

// Service reconstructs session file systems.
type Service struct {
	store   memory.Store
	blobs   blob.Store
	log     telemetry.Logger
	patcher *Patcher
}

// New validates the options and builds a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Service{
		store:   opts.Store,
		blobs:   opts.Blobs,
		log:     logger,
		patcher: NewPatcher(),
	}, nil
}

// Rehydrate reconstructs the session's VFS as of target. A zero target
// means now. The reconstruction starts from the newest snapshot with
// vt <= target when one exists, then applies diffs with
// snapshot.vt < vt_start <= target in validity order. Diffs with an empty
// file path or patch are skipped; per-diff failures are tolerated unless
// every diff failed. Cancellation is honored between diffs.
func (s *Service) Rehydrate(ctx context.Context, sessionID uuid.UUID, target time.Time) (*VFS, error) {
	if target.IsZero() {
		target = time.Now()
	}
	targetMS := memory.Millis(target)

	vfs := NewVFS()
	after := int64(0)
	snap, ok, err := s.store.LatestSnapshot(ctx, sessionID, targetMS)
	if err != nil {
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}
	if ok {
		data, err := s.blobs.Load(ctx, snap.BlobRef)
		if err != nil {
			return nil, &Error{SessionID: sessionID, Reason: "snapshot blob unreadable", Err: err}
		}
		vfs, err = Load(data)
		if err != nil {
			return nil, &Error{SessionID: sessionID, Reason: "snapshot undecodable", Err: err}
		}
		after = snap.VT
	}

	diffs, err := s.store.DiffsBetween(ctx, sessionID, after, targetMS)
	if err != nil {
		return nil, fmt.Errorf("query diffs: %w", err)
	}
	applied, failed := 0, 0
	var lastErr error
	for _, d := range diffs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		patch, skip, err := s.patchContent(ctx, d)
		if err != nil {
			failed++
			lastErr = err
			s.log.Warn(ctx, "diff unloadable", "diff_id", d.ID, "error", err)
			continue
		}
		if skip {
			s.log.Debug(ctx, "diff skipped", "diff_id", d.ID)
			continue
		}
		modTime := time.UnixMilli(d.VTStart)
		if err := s.patcher.Apply(vfs, d.FilePath, patch, modTime); err != nil {
			failed++
			lastErr = err
			s.log.Warn(ctx, "diff rejected", "diff_id", d.ID, "file", d.FilePath, "error", err)
			continue
		}
		applied++
	}
	if failed > 0 && applied == 0 {
		return nil, &Error{
			SessionID: sessionID,
			Reason:    fmt.Sprintf("all %d diffs failed", failed),
			Err:       lastErr,
		}
	}
	return vfs, nil
}

// patchContent resolves the diff's patch text, loading externalized
// bodies from the blob store. skip is true for diffs with no path or no
// content.
func (s *Service) patchContent(ctx context.Context, d memory.DiffHunk) (patch string, skip bool, err error) {
	if d.FilePath == "" {
		return "", true, nil
	}
	if d.PatchContent != "" {
		return d.PatchContent, false, nil
	}
	if d.PatchRef == "" {
		return "", true, nil
	}
	data, err := s.blobs.Load(ctx, d.PatchRef)
	if err != nil {
		return "", false, fmt.Errorf("load patch blob %s: %w", d.PatchRef, err)
	}
	return string(data), false, nil
}

// SaveSnapshot serializes the VFS, stores the blob, and records the
// snapshot pointer in the graph. The returned snapshot carries the
// content-addressed blob URI.
func (s *Service) SaveSnapshot(ctx context.Context, sessionID uuid.UUID, vfs *VFS, now time.Time) (memory.VFSSnapshot, error) {
	data, err := vfs.Snapshot()
	if err != nil {
		return memory.VFSSnapshot{}, err
	}
	uri, err := s.blobs.Save(ctx, data)
	if err != nil {
		return memory.VFSSnapshot{}, fmt.Errorf("save snapshot blob: %w", err)
	}
	snap := memory.VFSSnapshot{
		Interval:  memory.NewInterval(now),
		ID:        uuid.New(),
		SessionID: sessionID,
		BlobRef:   uri,
		VT:        memory.Millis(now),
	}
	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return memory.VFSSnapshot{}, fmt.Errorf("record snapshot: %w", err)
	}
	return snap, nil
}
