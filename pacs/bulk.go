package pacs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/caio-sobreiro/pacsman/dicom"
)

// FetchFunc retrieves one instance.
type FetchFunc func(ctx context.Context, id InstanceIdentifier) (*dicom.Dataset, error)

// BulkOptions configures RetrieveAll.
type BulkOptions struct {
	// Workers is the number of concurrent fetches. Values below 1 mean 1.
	Workers int
	// Timeout bounds each fetch; 0 leaves only the caller's deadline.
	Timeout time.Duration
	// OnFailure, when set, observes every failed instance.
	OnFailure func(id InstanceIdentifier, err error)
}

// RetrieveAll fetches every instance in ids independently with a bounded
// pool of workers. Each dataset is normalized and handed to sink. A failed
// fetch or sink write marks only that instance failed; the result accounts
// for every requested instance exactly once.
//
// When ctx ends, instances not yet attempted are failed without being
// fetched.
func RetrieveAll(ctx context.Context, ids []InstanceIdentifier, fetch FetchFunc, sink Sink, opts BulkOptions) *RetrieveResult {
	builder := newResultBuilder(ids)
	workers := min(max(opts.Workers, 1), max(len(builder.res.requested), 1))

	jobs := make(chan InstanceIdentifier)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if err := retrieveOne(ctx, id, fetch, sink, opts.Timeout); err != nil {
					builder.fail(id, failureKind(ctx, err))
					if opts.OnFailure != nil {
						opts.OnFailure(id, err)
					}
					continue
				}
				builder.succeed(id)
			}
		}()
	}

	for _, id := range builder.res.requested {
		if ctx.Err() != nil {
			builder.fail(id, failureKind(ctx, ctx.Err()))
			continue
		}
		jobs <- id
	}
	close(jobs)
	wg.Wait()

	return builder.build()
}

func retrieveOne(ctx context.Context, id InstanceIdentifier, fetch FetchFunc, sink Sink, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ds, err := fetch(ctx, id)
	if err != nil {
		return err
	}
	if ds == nil {
		return Errorf(KindNotFound, "retrieve", "no dataset for %s", id)
	}
	ds = Normalize(ds)
	if sink == nil {
		return nil
	}
	if err := sink.Put(ctx, ds); err != nil {
		return Wrap(KindStoreRejected, "sink", err)
	}
	return nil
}

// failureKind classifies a per-instance error. Deadline misses are retrieve
// timeouts; errors outside the taxonomy are connection failures.
func failureKind(ctx context.Context, err error) Kind {
	if kind := KindOf(err); kind != KindUnknown {
		return kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindRetrieveTimeout
	}
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindRetrieveTimeout
	}
	return KindConnection
}
