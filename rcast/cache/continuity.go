package cache

import (
	"fmt"

	"github.com/ZanzyTHEbar/replaycast/rcast/sequence"
)

// ContinuityError reports that a key cannot be rendered because its
// predecessor's snapshot is missing. It is a precondition failure and is
// never retried.
type ContinuityError struct {
	Key             string
	Predecessor     string
	NearestAncestor string // longest cached prefix, if any
}

func (e *ContinuityError) Error() string {
	if e.NearestAncestor != "" {
		return fmt.Sprintf("continuity broken for %s: snapshot of %s missing (nearest cached ancestor %s)",
			e.Key, e.Predecessor, e.NearestAncestor)
	}
	return fmt.Sprintf("continuity broken for %s: snapshot of %s missing", e.Key, e.Predecessor)
}

// Resolver decides where a key resumes from.
type Resolver struct {
	store *Store
}

// NewResolver creates a resolver over store.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// PredecessorKey drops the trailing SaveThreshold tokens from key. It returns
// "" when nothing would remain, meaning the key starts fresh.
func (r *Resolver) PredecessorKey(key string) string {
	if len(key)-sequence.PrefixLen <= sequence.SaveThreshold {
		return ""
	}
	return key[:len(key)-sequence.SaveThreshold]
}

// Delta returns the tokens key adds over its predecessor.
func (r *Resolver) Delta(key string) string {
	pred := r.PredecessorKey(key)
	if pred == "" {
		if len(key) < sequence.PrefixLen {
			return ""
		}
		return key[sequence.PrefixLen:]
	}
	return key[len(pred):]
}

// CanRender returns nil when key starts fresh or its predecessor's snapshot
// exists, and a *ContinuityError otherwise.
func (r *Resolver) CanRender(key string) error {
	pred := r.PredecessorKey(key)
	if pred == "" || r.store.HasSnapshot(pred) {
		return nil
	}
	cerr := &ContinuityError{Key: key, Predecessor: pred}
	if anc, ok := r.store.NearestAncestor(pred); ok {
		cerr.NearestAncestor = anc
	}
	return cerr
}
