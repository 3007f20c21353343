package main

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/llxisdsh/fairsync"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func runBuffer(ctx context.Context, s *stress) error {
	for name, v := range map[string]int{
		"capacity": s.capacity, "items": s.items,
		"producers": s.producers, "consumers": s.consumers,
	} {
		if err := positive(name, v); err != nil {
			return err
		}
	}
	b := fairsync.NewCircularBuffer(make([]int, s.capacity))
	s.collector.AddBuffer("buffer", b)

	// Producer p pushes p, p+P, p+2P, ... so the producer of a value is
	// v % P and its sequence number is v / P.
	seen := make([]atomic.Int32, s.items)
	var remaining atomic.Int64
	remaining.Store(int64(s.items))
	var reordered atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	for p := range s.producers {
		g.Go(func() error {
			for v := p; v < s.items; v += s.producers {
				if err := b.PushContext(ctx, v); err != nil {
					return err
				}
			}
			s.log.Debug("producer done", zap.Int("producer", p))
			return nil
		})
	}
	for c := range s.consumers {
		g.Go(func() error {
			last := make([]int, s.producers)
			for i := range last {
				last[i] = -1
			}
			popped := 0
			for remaining.Add(-1) >= 0 {
				v, err := b.PopContext(ctx)
				if err != nil {
					return err
				}
				seen[v].Add(1)
				p, seq := v%s.producers, v/s.producers
				if seq <= last[p] {
					reordered.Add(1)
				}
				last[p] = seq
				popped++
			}
			s.log.Debug("consumer done", zap.Int("consumer", c), zap.Int("popped", popped))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var missing, duplicated int
	for i := range seen {
		switch n := seen[i].Load(); {
		case n == 0:
			missing++
		case n > 1:
			duplicated++
		}
	}
	s.log.Info("buffer summary",
		zap.Int("items", s.items),
		zap.Int("missing", missing),
		zap.Int("duplicated", duplicated),
		zap.Int64("reordered", reordered.Load()))
	if missing != 0 || duplicated != 0 {
		return errors.Newf("buffer: %d items lost, %d delivered more than once",
			errors.Safe(missing), errors.Safe(duplicated))
	}
	if n := reordered.Load(); n != 0 {
		return errors.Newf("buffer: %d items overtook an earlier item of the same producer", errors.Safe(n))
	}
	if b.Len() != 0 || b.BlockedPushers() != 0 || b.BlockedPoppers() != 0 {
		return errors.Newf("buffer: not idle after run (len=%d)", errors.Safe(b.Len()))
	}
	return nil
}
