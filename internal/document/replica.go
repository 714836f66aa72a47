package document

import (
	"sync"
)

// Replica is the in-memory replicated document the persistence adapter binds
// to. Conflict resolution happens inside the replica; the adapter only ever
// observes the merged serialized content.
type Replica interface {
	// IsEmpty reports whether the replica holds no content yet.
	IsEmpty() bool
	// LoadSnapshot seeds the replica from durable serialized content.
	LoadSnapshot(serialized string) error
	// Snapshot returns the current merged serialized content.
	Snapshot() string
	// OnUpdate registers a hook fired synchronously after every mutation.
	// The returned function removes the hook.
	OnUpdate(hook func()) (remove func())
}

// LWWReplica is a last-writer-wins register over a text payload. Concurrent
// writes are ordered by edit sequence, ties broken by writer id, so replicas
// that exchange the full register state converge deterministically.
type LWWReplica struct {
	mu       sync.Mutex
	content  string
	editSeq  int64
	writerID string
	replica  string
	hooks    map[int64]func()
	nextHook int64
}

// NewLWWReplica constructs an empty replica owned by the given writer id.
func NewLWWReplica(writerID string) *LWWReplica {
	return &LWWReplica{
		writerID: writerID,
		hooks:    make(map[int64]func()),
	}
}

// IsEmpty reports whether the replica has never held content.
func (r *LWWReplica) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.content == "" && r.editSeq == 0
}

// LoadSnapshot adopts durable content without advancing the edit sequence of
// any live writer.
func (r *LWWReplica) LoadSnapshot(serialized string) error {
	r.mu.Lock()
	r.content = serialized
	if r.editSeq == 0 && serialized != "" {
		r.editSeq = 1
	}
	r.mu.Unlock()
	return nil
}

// Snapshot returns the current merged content.
func (r *LWWReplica) Snapshot() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.content
}

// ApplyLocal records a local edit and fires update hooks.
func (r *LWWReplica) ApplyLocal(content string) {
	r.mu.Lock()
	r.editSeq++
	r.content = content
	r.replica = r.writerID
	hooks := r.snapshotHooksLocked()
	r.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// MergeRemote folds in a remote register state and reports whether it won.
// Higher edit sequence wins; on a tie the lexicographically larger writer id
// wins, so both replicas settle on the same value.
func (r *LWWReplica) MergeRemote(content string, editSeq int64, writerID string) bool {
	r.mu.Lock()
	accepted := editSeq > r.editSeq || (editSeq == r.editSeq && writerID > r.replica)
	var hooks []func()
	if accepted {
		r.content = content
		r.editSeq = editSeq
		r.replica = writerID
		hooks = r.snapshotHooksLocked()
	}
	r.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
	return accepted
}

// EditSeq exposes the current edit sequence for exchange with peers.
func (r *LWWReplica) EditSeq() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.editSeq
}

// OnUpdate registers a mutation hook and returns its remover.
func (r *LWWReplica) OnUpdate(hook func()) func() {
	r.mu.Lock()
	r.nextHook++
	id := r.nextHook
	r.hooks[id] = hook
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.hooks, id)
		r.mu.Unlock()
	}
}

func (r *LWWReplica) snapshotHooksLocked() []func() {
	hooks := make([]func(), 0, len(r.hooks))
	for _, hook := range r.hooks {
		hooks = append(hooks, hook)
	}
	return hooks
}
