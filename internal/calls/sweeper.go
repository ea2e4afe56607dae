package calls

import (
	"context"
	"log/slog"
	"time"

	"call-coordinator/pkg/logger"
)

type SweeperOptions struct {
	Interval     time.Duration
	ArchiveAfter time.Duration
	BatchSize    int
	Logger       *slog.Logger
}

// Sweeper drives the time-based transitions no participant triggers:
// unanswered rings, media that never joined, and archiving of finished calls.
type Sweeper struct {
	coord *Coordinator
	opts  SweeperOptions
	log   *slog.Logger
}

type SweepStats struct {
	Expired  int
	Failed   int
	Archived int
}

func NewSweeper(coord *Coordinator, opts SweeperOptions) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.ArchiveAfter <= 0 {
		opts.ArchiveAfter = 10 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	opts.Logger = logger.OrDefault(opts.Logger)
	return &Sweeper{coord: coord, opts: opts, log: opts.Logger}
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.SweepOnce(ctx)
			if st.Expired+st.Failed+st.Archived > 0 {
				s.log.Info("call sweep", "expired", st.Expired, "failed", st.Failed, "archived", st.Archived)
			}
		}
	}
}

// SweepOnce runs a single pass. Per-session errors are logged and skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepStats {
	var st SweepStats
	now := s.coord.now()
	repo := s.coord.repo

	ringing, err := repo.ListStale(ctx, []State{StateInitiated, StateRinging}, now.Add(-s.coord.opts.RingTimeout), s.opts.BatchSize)
	if err != nil {
		s.log.Error("list ringing sessions failed", "err", err)
	}
	for _, sess := range ringing {
		res, err := s.coord.ExpireRinging(ctx, sess.CallID)
		if err != nil {
			s.log.Error("expire ringing failed", "call_id", sess.CallID, "err", err)
			continue
		}
		if res.Applied {
			st.Expired++
		}
	}

	accepted, err := repo.ListStale(ctx, []State{StateAccepted}, now.Add(-s.coord.opts.JoinTimeout), s.opts.BatchSize)
	if err != nil {
		s.log.Error("list accepted sessions failed", "err", err)
	}
	for _, sess := range accepted {
		res, err := s.coord.ExpireJoin(ctx, sess.CallID)
		if err != nil {
			s.log.Error("expire join failed", "call_id", sess.CallID, "err", err)
			continue
		}
		if res.Applied {
			st.Failed++
		}
	}

	finished, err := repo.ListStale(ctx, TerminalStates(), now.Add(-s.opts.ArchiveAfter), s.opts.BatchSize)
	if err != nil {
		s.log.Error("list finished sessions failed", "err", err)
	}
	for _, sess := range finished {
		// Presence is released on the terminal write; repeat in case that failed.
		s.coord.release(ctx, sess.CallID, sess.CallerID, sess.CalleeID)
		if err := repo.Archive(ctx, sess.CallID, now); err != nil {
			s.log.Error("archive session failed", "call_id", sess.CallID, "err", err)
			continue
		}
		st.Archived++
	}
	return st
}
