package checkpoint

import (
	"context"
	"iter"
)

// DefaultPageSize is the page size used by All when none is given.
const DefaultPageSize = 50

// All lazily walks every checkpoint selected by opts, newest first, fetching
// pageSize tuples per List call and resuming from the last id seen. opts.Limit
// caps the total number of tuples yielded. Iteration stops at the first error.
func All(ctx context.Context, s Saver, opts ListOptions, pageSize int) iter.Seq2[*Tuple, error] {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return func(yield func(*Tuple, error) bool) {
		remaining := opts.Limit
		page := opts
		for {
			page.Limit = pageSize
			if remaining > 0 && remaining < pageSize {
				page.Limit = remaining
			}
			tuples, err := s.List(ctx, page)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, t := range tuples {
				if !yield(t, nil) {
					return
				}
			}
			if opts.Limit > 0 {
				remaining -= len(tuples)
				if remaining <= 0 {
					return
				}
			}
			if len(tuples) < page.Limit {
				return
			}
			page.Before = tuples[len(tuples)-1].Key.CheckpointID
		}
	}
}
