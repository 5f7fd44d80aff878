package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/patchbay/patchbay/pkg/executor"
	"github.com/patchbay/patchbay/pkg/plugin"
)

// ApprovalForwarder bridges the executor's approval gate to gateway
// clients: each pending request is broadcast on the event stream and the
// invocation blocks until a decision arrives over the approvals endpoint,
// a socket message, or the approval deadline passes.
type ApprovalForwarder struct {
	broadcaster *EventBroadcaster
	logger      zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingApproval
}

type pendingApproval struct {
	req       executor.ApprovalRequest
	decision  chan executor.ApprovalDecision
	createdAt time.Time
	expiresAt time.Time
}

// PendingApproval is a snapshot of one approval awaiting a decision.
type PendingApproval struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	PluginID  string         `json:"plugin_id"`
	Arguments map[string]any `json:"arguments,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at,omitzero"`
}

// NewApprovalForwarder creates an approval forwarder over the given
// broadcaster.
func NewApprovalForwarder(broadcaster *EventBroadcaster, logger zerolog.Logger) *ApprovalForwarder {
	return &ApprovalForwarder{
		broadcaster: broadcaster,
		logger:      logger.With().Str("component", "approval-forwarder").Logger(),
		pending:     make(map[string]*pendingApproval),
	}
}

// Decide implements executor.ApprovalHandler. The context carries the
// approval deadline; an expiry or caller cancellation surfaces as ctx.Err()
// and the approval manager classifies it.
func (f *ApprovalForwarder) Decide(ctx context.Context, req executor.ApprovalRequest) (executor.ApprovalDecision, error) {
	p := &pendingApproval{
		req:       req,
		decision:  make(chan executor.ApprovalDecision, 1),
		createdAt: time.Now(),
	}
	if deadline, ok := ctx.Deadline(); ok {
		p.expiresAt = deadline
	}

	f.mu.Lock()
	f.pending[req.ID] = p
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.pending, req.ID)
		f.mu.Unlock()
	}()

	data := map[string]any{
		"approval_id": req.ID,
		"tool":        req.Tool,
		"plugin_id":   req.PluginID,
		"arguments":   req.Arguments,
		"created_at":  p.createdAt.UnixMilli(),
	}
	if !p.expiresAt.IsZero() {
		data["expires_at"] = p.expiresAt.UnixMilli()
	}

	f.broadcaster.BroadcastTyped(EventMessage{
		Event:    string(plugin.EventApprovalRequested),
		Stream:   StreamTypeApproval,
		Phase:    "pending",
		PluginID: req.PluginID,
		Tool:     req.Tool,
		Data:     data,
	})

	f.logger.Info().
		Str("approval_id", req.ID).
		Str("tool", req.Tool).
		Msg("Approval forwarded to clients")

	select {
	case decision := <-p.decision:
		return decision, nil
	case <-ctx.Done():
		return executor.ApprovalDecision{}, ctx.Err()
	}
}

// Resolve delivers a decision for a pending approval. Unknown or already
// decided IDs return ErrNotFound.
func (f *ApprovalForwarder) Resolve(id string, decision executor.ApprovalDecision) error {
	f.mu.Lock()
	p, ok := f.pending[id]
	if ok {
		delete(f.pending, id)
	}
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: approval %q", plugin.ErrNotFound, id)
	}

	f.logger.Info().
		Str("approval_id", id).
		Bool("approved", decision.Approved).
		Str("reason", decision.Reason).
		Msg("Approval resolved")

	p.decision <- decision
	return nil
}

// Pending lists approvals still awaiting a decision, oldest first.
func (f *ApprovalForwarder) Pending() []PendingApproval {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]PendingApproval, 0, len(f.pending))
	for id, p := range f.pending {
		out = append(out, PendingApproval{
			ID:        id,
			Tool:      p.req.Tool,
			PluginID:  p.req.PluginID,
			Arguments: p.req.Arguments,
			CreatedAt: p.createdAt,
			ExpiresAt: p.expiresAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
