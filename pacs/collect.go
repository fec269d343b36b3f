package pacs

import "iter"

// Collect ranges over seq and returns its values, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Fail returns a sequence that yields err once.
func Fail[T any](err error) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		yield(zero, err)
	}
}

// Limit stops seq after n values. Errors pass through and do not count; n
// below 1 means no limit.
func Limit[T any](seq iter.Seq2[T, error], n int) iter.Seq2[T, error] {
	if n < 1 {
		return seq
	}
	return func(yield func(T, error) bool) {
		count := 0
		for v, err := range seq {
			if !yield(v, err) {
				return
			}
			if err != nil {
				continue
			}
			if count++; count == n {
				return
			}
		}
	}
}
