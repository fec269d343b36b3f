package pacs

import (
	"cmp"
	"maps"
	"slices"
	"sync"
)

// RetrieveResult accounts for every instance a bulk retrieve attempted.
// It is immutable; accessors return copies.
type RetrieveResult struct {
	requested []InstanceIdentifier
	succeeded map[InstanceIdentifier]struct{}
	failed    map[InstanceIdentifier]Kind
}

// Requested returns the instances the retrieve attempted.
func (r *RetrieveResult) Requested() []InstanceIdentifier {
	return slices.Clone(r.requested)
}

// Succeeded returns the retrieved instances ordered by SOPInstanceUID.
func (r *RetrieveResult) Succeeded() []InstanceIdentifier {
	return sortedIDs(slices.Collect(maps.Keys(r.succeeded)))
}

// Failed returns the failed instances with the kind of their failure.
func (r *RetrieveResult) Failed() map[InstanceIdentifier]Kind {
	return maps.Clone(r.failed)
}

// FailedIDs returns the failed instances ordered by SOPInstanceUID.
func (r *RetrieveResult) FailedIDs() []InstanceIdentifier {
	return sortedIDs(slices.Collect(maps.Keys(r.failed)))
}

// Complete reports whether every requested instance was retrieved.
func (r *RetrieveResult) Complete() bool {
	return len(r.failed) == 0
}

func sortedIDs(ids []InstanceIdentifier) []InstanceIdentifier {
	slices.SortFunc(ids, func(a, b InstanceIdentifier) int {
		return cmp.Or(
			cmp.Compare(a.SOPInstanceUID, b.SOPInstanceUID),
			cmp.Compare(a.SeriesInstanceUID, b.SeriesInstanceUID),
			cmp.Compare(a.StudyInstanceUID, b.StudyInstanceUID),
		)
	})
	return ids
}

// resultBuilder collects outcomes from concurrent workers.
type resultBuilder struct {
	mu  sync.Mutex
	res *RetrieveResult
}

func newResultBuilder(requested []InstanceIdentifier) *resultBuilder {
	seen := make(map[InstanceIdentifier]bool, len(requested))
	var unique []InstanceIdentifier
	for _, id := range requested {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	return &resultBuilder{res: &RetrieveResult{
		requested: unique,
		succeeded: make(map[InstanceIdentifier]struct{}),
		failed:    make(map[InstanceIdentifier]Kind),
	}}
}

func (b *resultBuilder) succeed(id InstanceIdentifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.res.failed, id)
	b.res.succeeded[id] = struct{}{}
}

func (b *resultBuilder) fail(id InstanceIdentifier, kind Kind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.res.succeeded[id]; ok {
		return
	}
	b.res.failed[id] = kind
}

// build returns the result. Requested instances without an outcome are
// recorded as connection failures.
func (b *resultBuilder) build() *RetrieveResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range b.res.requested {
		_, ok := b.res.succeeded[id]
		if _, failed := b.res.failed[id]; !ok && !failed {
			b.res.failed[id] = KindConnection
		}
	}
	return b.res
}
