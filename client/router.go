package client

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

const (
	frameTypeOnlineUsers   = "onlineUsers"
	frameTypeUpstreamError = "error"

	// Cap on remembered upstream-error request identifiers. The oldest
	// identifier is forgotten first once the cap is reached.
	maxTrackedErrorIdentifiers = 256
)

type routedFrame struct {
	Type           string   `json:"type"`
	Action         string   `json:"action"`
	Users          []string `json:"users"`
	ProjectID      string   `json:"projectId"`
	ConversationID string   `json:"conversationId"`
	RequestID      string   `json:"requestId"`
	Message        string   `json:"message"`
}

// State is the shared client view maintained by the router's built-in
// reducers. Every update replaces the State value wholesale, so a pointer
// obtained from State() is safe to read without coordination.
type State struct {
	OnlineUsers        []string
	ProjectEvents      map[string]string
	ConversationEvents map[string]string
}

// Subscriber receives every routed raw frame.
type Subscriber func(raw []byte)

// MessageRouterConfig configures the router.
type MessageRouterConfig struct {
	SelfUserID string
	Logger     *zap.Logger
}

// MessageRouter turns inbound frames into application effects exactly once
// per frame, in arrival order. At most one built-in reducer updates the
// shared state for a frame; the raw frame is then handed to every generic
// subscriber regardless, each isolated from the others' failures.
type MessageRouter struct {
	presence *PresenceReconciler
	logger   *zap.Logger

	mu               sync.Mutex
	state            *State
	subscribers      map[int]Subscriber
	nextSubscriberID int
	seenErrorIDs     map[string]struct{}
	errorIDOrder     []string
}

// NewMessageRouter constructs a MessageRouter.
func NewMessageRouter(cfg MessageRouterConfig) *MessageRouter {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageRouter{
		presence: NewPresenceReconciler(cfg.SelfUserID),
		logger:   logger,
		state: &State{
			OnlineUsers:        []string{},
			ProjectEvents:      map[string]string{},
			ConversationEvents: map[string]string{},
		},
		subscribers:  make(map[int]Subscriber),
		seenErrorIDs: make(map[string]struct{}),
	}
}

// Subscribe registers a generic subscriber and returns its disposer.
func (r *MessageRouter) Subscribe(subscriber Subscriber) func() {
	r.mu.Lock()
	id := r.nextSubscriberID
	r.nextSubscriberID++
	r.subscribers[id] = subscriber
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

// State returns the current shared view.
func (r *MessageRouter) State() *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Presence returns the router's presence reconciler.
func (r *MessageRouter) Presence() *PresenceReconciler {
	return r.presence
}

// OnFrame routes one inbound frame. Unparseable frames are logged and
// dropped; duplicate upstream-error frames sharing a request identifier are
// dropped after the first occurrence.
func (r *MessageRouter) OnFrame(raw []byte) {
	var frame routedFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		r.logger.Warn("inbound frame not parseable", zap.Error(err))
		return
	}

	if frame.Type == frameTypeUpstreamError && frame.RequestID != "" {
		if !r.recordErrorIdentifier(frame.RequestID) {
			return
		}
		r.logger.Warn("upstream error received",
			zap.String("request_id", frame.RequestID),
			zap.String("message", frame.Message))
	}

	r.reduce(frame)
	r.fanOut(raw)
}

// reduce applies at most one built-in reducer to the shared state.
func (r *MessageRouter) reduce(frame routedFrame) {
	switch {
	case frame.Type == frameTypeOnlineUsers:
		users := r.presence.Apply(frame.Users)
		r.mu.Lock()
		if !sameSlice(r.state.OnlineUsers, users) {
			next := *r.state
			next.OnlineUsers = users
			r.state = &next
		}
		r.mu.Unlock()
	case frame.Action != "" && frame.ProjectID != "":
		r.mu.Lock()
		next := *r.state
		next.ProjectEvents = copyWith(r.state.ProjectEvents, frame.ProjectID, frame.Action)
		r.state = &next
		r.mu.Unlock()
	case frame.Action != "" && frame.ConversationID != "":
		r.mu.Lock()
		next := *r.state
		next.ConversationEvents = copyWith(r.state.ConversationEvents, frame.ConversationID, frame.Action)
		r.state = &next
		r.mu.Unlock()
	default:
		if frame.Action != "" || frame.Type != "" {
			r.logger.Debug("frame without a matching reducer",
				zap.String("type", frame.Type),
				zap.String("action", frame.Action))
		}
	}
}

// fanOut hands the raw frame to every subscriber, each behind its own
// recover so one failing subscriber never starves the rest.
func (r *MessageRouter) fanOut(raw []byte) {
	r.mu.Lock()
	active := make([]Subscriber, 0, len(r.subscribers))
	for _, subscriber := range r.subscribers {
		active = append(active, subscriber)
	}
	r.mu.Unlock()

	for _, subscriber := range active {
		r.notify(subscriber, raw)
	}
}

func (r *MessageRouter) notify(subscriber Subscriber, raw []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			r.logger.Error("subscriber panicked", zap.Any("panic", recovered))
		}
	}()
	subscriber(raw)
}

// recordErrorIdentifier returns true for the first sighting of an
// identifier and false for duplicates still inside the tracking window.
func (r *MessageRouter) recordErrorIdentifier(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.seenErrorIDs[requestID]; seen {
		return false
	}
	if len(r.errorIDOrder) >= maxTrackedErrorIdentifiers {
		oldest := r.errorIDOrder[0]
		r.errorIDOrder = r.errorIDOrder[1:]
		delete(r.seenErrorIDs, oldest)
	}
	r.seenErrorIDs[requestID] = struct{}{}
	r.errorIDOrder = append(r.errorIDOrder, requestID)
	return true
}

func copyWith(source map[string]string, key, value string) map[string]string {
	next := make(map[string]string, len(source)+1)
	for k, v := range source {
		next[k] = v
	}
	next[key] = value
	return next
}

func sameSlice(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return &a[0] == &b[0]
}
