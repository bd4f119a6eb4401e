package main

import (
	"context"
	"time"

	"github.com/hyperengineering/engram/broker"
	"github.com/hyperengineering/engram/pubsub"
	"github.com/hyperengineering/engram/telemetry"
)

const consumerPollEvery = 15 * time.Second

// groupStatusUpdate is the consumer channel payload: one entry per
// pipeline stage.
type groupStatusUpdate struct {
	At     time.Time              `json:"at"`
	Groups map[string]groupStatus `json:"groups"`
}

type groupStatus struct {
	State   string `json:"state"`
	Members int    `json:"members"`
}

// monitorConsumers waits for the pipeline's consumer groups to stabilize,
// then publishes their status to the consumers channel until ctx ends.
// Observability only: failures are logged, never fatal.
func monitorConsumers(ctx context.Context, bk broker.Client, ps pubsub.Client, logger telemetry.Logger) error {
	insp, ok := bk.(broker.GroupInspector)
	if !ok {
		return nil
	}
	groups := map[string]string{
		"parser":     broker.GroupParser,
		"aggregator": broker.GroupAggregator,
		"indexer":    broker.GroupIndexer,
	}
	names := make([]string, 0, len(groups))
	for _, g := range groups {
		names = append(names, g)
	}
	if err := broker.AwaitGroupsStable(ctx, insp, names, broker.AwaitOptions{}); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.Warn(ctx, "consumer groups not stable yet", "err", err)
	}

	ticker := time.NewTicker(consumerPollEvery)
	defer ticker.Stop()
	for {
		update := groupStatusUpdate{At: time.Now().UTC(), Groups: make(map[string]groupStatus, len(groups))}
		for stage, g := range groups {
			st, err := insp.GroupStatus(ctx, g)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Debug(ctx, "group status failed", "group", g, "err", err)
				continue
			}
			update.Groups[stage] = groupStatus{State: st.State, Members: st.Members}
		}
		if err := ps.Publish(ctx, pubsub.ChannelConsumers, update); err != nil && ctx.Err() == nil {
			logger.Debug(ctx, "consumer status publish failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
