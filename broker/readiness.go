package broker

import (
	"context"
	"fmt"
	"time"
)

// GroupStatus describes one consumer group as reported by the backend's
// admin API.
type GroupStatus struct {
	// State is the backend's group state; StateStable means rebalancing is
	// done and members hold their partitions.
	State string
	// Members is the current member count.
	Members int
}

// StateStable is the normalized "ready" group state.
const StateStable = "Stable"

// GroupInspector exposes the admin view of consumer groups. Broker
// backends implement it next to Client.
type GroupInspector interface {
	// GroupStatus reports the named group. Backends return a zero status
	// (not an error) for groups that do not exist yet.
	GroupStatus(ctx context.Context, group string) (GroupStatus, error)
}

// AwaitOptions tunes AwaitGroupsStable.
type AwaitOptions struct {
	// MinMembers is the member count each group must reach. Defaults to 1.
	MinMembers int
	// PollInterval is the delay between admin polls. Defaults to 500 ms.
	PollInterval time.Duration
	// Timeout bounds the whole wait. Defaults to 30 s.
	Timeout time.Duration
}

// AwaitGroupsStable polls the admin API until every named group is Stable
// with at least MinMembers members, or the timeout elapses. Deployments
// call it before opening ingestion so the pipeline is ready end to end.
func AwaitGroupsStable(ctx context.Context, inspector GroupInspector, groups []string, opts AwaitOptions) error {
	if opts.MinMembers <= 0 {
		opts.MinMembers = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	pending := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		pending[g] = struct{}{}
	}
	for {
		for g := range pending {
			st, err := inspector.GroupStatus(ctx, g)
			if err != nil {
				return fmt.Errorf("describe group %q: %w", g, err)
			}
			if st.State == StateStable && st.Members >= opts.MinMembers {
				delete(pending, g)
			}
		}
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			for g := range pending {
				return fmt.Errorf("group %q not stable: %w", g, ctx.Err())
			}
		case <-ticker.C:
		}
	}
}
