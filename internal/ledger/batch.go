package ledger

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/harbor/marks-engine/internal/contract"
	"github.com/harbor/marks-engine/internal/model"
)

// ApplyBatch applies events with one goroutine per shard. Events sharing a
// (contract, user) key land on the same shard and keep their relative order,
// so the resulting entries equal those of applying the list one by one.
// Events carrying the same id apply once even when they land on different
// shards; the others fail with ErrDuplicateEvent.
//
// errs[i] holds the outcome of events[i]. A cancelled ctx stops the shards
// and marks unprocessed events with ctx.Err().
func (p *Processor) ApplyBatch(ctx context.Context, events []model.Event) []error {
	errs := make([]error, len(events))
	if len(events) == 0 {
		return errs
	}

	buckets := make(map[int][]int)
	for i, ev := range events {
		s := p.shardOf(contract.CanonicalAddress(ev.ContractAddress), contract.CanonicalAddress(ev.UserAddress))
		buckets[s] = append(buckets[s], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range buckets {
		g.Go(func() error {
			for n, i := range idx {
				if err := gctx.Err(); err != nil {
					for _, j := range idx[n:] {
						errs[j] = err
					}
					return err
				}
				_, errs[i] = p.Apply(gctx, events[i])
			}
			return nil
		})
	}
	g.Wait()
	return errs
}
