package main

import (
	"fmt"
	"log"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/app"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/policy"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/replication"
	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/repository"
)

// node bundles the components of one coordination node.
type node struct {
	pol      *policy.Policy
	logger   *log.Logger
	repo     app.StateRepository
	svc      *app.CoordService
	registry *app.Registry
	board    *app.Board
	bus      *app.Bus
	monitor  *app.Monitor
	channel  *replication.DirChannel // nil when replication is off
	syncer   *replication.Syncer     // nil when replication is off
}

// openNode opens the store and builds the node's components. Loops are not started.
func openNode(pol *policy.Policy, logger *log.Logger) (*node, error) {
	repo, err := repository.NewStateRepository(pol.StateFile())
	if err != nil {
		return nil, fmt.Errorf("state repository: %w", err)
	}
	svc := app.NewCoordService(repo, pol, logger)
	board := app.NewBoard(svc, logger, app.WithScorer(app.CapabilityScorer{PreferredTypeBonus: pol.PreferredTypeBonus()}))
	n := &node{
		pol:      pol,
		logger:   logger,
		repo:     repo,
		svc:      svc,
		registry: app.NewRegistry(svc, logger),
		board:    board,
		bus:      app.NewBus(svc, logger),
	}
	n.monitor = app.NewMonitor(svc, board, logger)

	if dir := pol.ChannelDir(); dir != "" {
		ch, err := replication.NewDirChannel(dir)
		if err != nil {
			n.close()
			return nil, err
		}
		base, max := pol.PublishBackoff()
		n.channel = ch
		n.syncer = replication.NewSyncer(svc, ch, logger,
			replication.WithSyncInterval(pol.SyncInterval()),
			replication.WithPublishRetry(pol.PublishAttempts(), base, max),
		)
	}
	return n, nil
}

// syncStatus returns the syncer as a status source, or nil when replication is off.
func (n *node) syncStatus() interface{ Status() replication.Status } {
	if n.syncer == nil {
		return nil
	}
	return n.syncer
}

func (n *node) close() {
	if c, ok := n.repo.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			n.logger.Printf("Warning: close state repository: %v", err)
		}
	}
}
