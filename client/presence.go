package client

import "sync"

// PresenceReconciler maintains the online-user list with stable identity:
// the exposed slice only changes when its element sequence actually differs
// from the previous push, so downstream consumers can compare references
// instead of recomputing.
type PresenceReconciler struct {
	selfUserID string

	mu      sync.Mutex
	current []string
}

// NewPresenceReconciler constructs a reconciler for the given local user.
func NewPresenceReconciler(selfUserID string) *PresenceReconciler {
	return &PresenceReconciler{selfUserID: selfUserID, current: []string{}}
}

// Apply reconciles a server presence push and returns the authoritative
// list. The caller's own id is force-included when the server omits it. When
// the candidate matches the held list element for element, the previously
// returned slice is handed back unchanged.
func (r *PresenceReconciler) Apply(candidate []string) []string {
	adopted := make([]string, 0, len(candidate)+1)
	selfSeen := false
	for _, userID := range candidate {
		if userID == r.selfUserID {
			selfSeen = true
		}
		adopted = append(adopted, userID)
	}
	if !selfSeen && r.selfUserID != "" {
		adopted = append(adopted, r.selfUserID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if equalSequences(r.current, adopted) {
		return r.current
	}
	r.current = adopted
	return r.current
}

// Users returns the current authoritative list.
func (r *PresenceReconciler) Users() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func equalSequences(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
