package scheduler

import (
	"context"
	"log/slog"
	"time"

	"job-dispatcher/internal/domain"
	"job-dispatcher/internal/metrics"
)

// campaignRetryDelay is the pause after a failed campaign.
const campaignRetryDelay = 5 * time.Second

// LeaderService keeps this node in the leader election for as long as its
// context lives. Tasks gated on IsLeader only run while it leads.
type LeaderService struct {
	leaderManager domain.LeaderElectionManager
	nodeID        string
	logger        *slog.Logger
}

func NewLeaderService(leaderManager domain.LeaderElectionManager, nodeID string, logger *slog.Logger) *LeaderService {
	return &LeaderService{
		leaderManager: leaderManager,
		nodeID:        nodeID,
		logger:        logger.With("component", "leader-service", "node_id", nodeID),
	}
}

// IsLeader reports whether this node currently leads.
func (s *LeaderService) IsLeader() bool {
	return s.leaderManager.IsLeader()
}

// Start campaigns, holds leadership until it is lost, and campaigns again.
// It returns when ctx is done.
func (s *LeaderService) Start(ctx context.Context) error {
	s.logger.Info("leader service starting")
	gauge := metrics.IsLeader.WithLabelValues(s.nodeID)
	gauge.Set(0)

	for {
		s.logger.Debug("campaigning for leadership")
		lost, err := s.leaderManager.Campaign(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("leadership campaign failed, retrying", "error", err, "retry_in", campaignRetryDelay)
			select {
			case <-time.After(campaignRetryDelay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		gauge.Set(1)
		s.logger.Info("became the leader")

		select {
		case <-lost:
			gauge.Set(0)
			s.logger.Warn("leadership lost")
			_ = s.leaderManager.Resign(context.Background())
		case <-ctx.Done():
			gauge.Set(0)
			resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.leaderManager.Resign(resignCtx); err != nil {
				s.logger.Warn("failed to resign leadership", "error", err)
			}
			cancel()
			s.logger.Info("leader service shutting down")
			return ctx.Err()
		}
	}
}
