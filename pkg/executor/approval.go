package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultApprovalTimeout bounds approval requests that carry no explicit
// timeout. Deliberately longer than the execution default: a human may be
// on the other end.
const DefaultApprovalTimeout = 60 * time.Second

// ApprovalRequest asks whether one pending invocation may proceed.
type ApprovalRequest struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	PluginID  string         `json:"plugin_id"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// Timeout overrides the manager default when positive.
	Timeout time.Duration `json:"-"`
}

// ApprovalDecision is a handler's verdict on one request.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// ApprovalHandler decides approval requests. Implementations block until
// they have a decision or the context ends.
type ApprovalHandler interface {
	Decide(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// ApprovalHandlerFunc adapts a function to ApprovalHandler.
type ApprovalHandlerFunc func(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)

// Decide implements ApprovalHandler.
func (f ApprovalHandlerFunc) Decide(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	return f(ctx, req)
}

// AutoApproveHandler approves every request. Used when approvals run in
// auto mode.
type AutoApproveHandler struct{}

// Decide implements ApprovalHandler.
func (AutoApproveHandler) Decide(context.Context, ApprovalRequest) (ApprovalDecision, error) {
	return ApprovalDecision{Approved: true, Reason: "auto-approved"}, nil
}

// DenyAllHandler denies every request. Used when approvals run in deny
// mode.
type DenyAllHandler struct{}

// Decide implements ApprovalHandler.
func (DenyAllHandler) Decide(context.Context, ApprovalRequest) (ApprovalDecision, error) {
	return ApprovalDecision{Approved: false, Reason: "approvals are disabled"}, nil
}

// ApprovalManager runs the approval workflow in front of the executor,
// bounding every request with its own deadline.
type ApprovalManager struct {
	logger         zerolog.Logger
	handler        ApprovalHandler
	defaultTimeout time.Duration
}

// NewApprovalManager creates an approval manager around the given handler.
// A non-positive timeout falls back to DefaultApprovalTimeout.
func NewApprovalManager(logger zerolog.Logger, handler ApprovalHandler, timeout time.Duration) *ApprovalManager {
	if timeout <= 0 {
		timeout = DefaultApprovalTimeout
	}
	return &ApprovalManager{
		logger:         logger.With().Str("component", "approval").Logger(),
		handler:        handler,
		defaultTimeout: timeout,
	}
}

// SetHandler swaps the approval handler.
func (am *ApprovalManager) SetHandler(handler ApprovalHandler) {
	am.handler = handler
}

// Request asks the handler to decide and returns nil only on approval. A
// denial maps to ErrApprovalDenied, a missed deadline to ErrApprovalTimeout,
// and a cancelled caller to ErrCancelled.
func (am *ApprovalManager) Request(ctx context.Context, req ApprovalRequest) error {
	if am == nil || am.handler == nil {
		return fmt.Errorf("%w: no approval handler configured", ErrApprovalDenied)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = am.defaultTimeout
	}

	approvalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	am.logger.Info().
		Str("approval_id", req.ID).
		Str("tool", req.Tool).
		Str("plugin", req.PluginID).
		Dur("timeout", timeout).
		Msg("Requesting approval")

	decisions := make(chan ApprovalDecision, 1)
	failures := make(chan error, 1)
	go func() {
		decision, err := am.handler.Decide(approvalCtx, req)
		if err != nil {
			failures <- err
			return
		}
		decisions <- decision
	}()

	select {
	case decision := <-decisions:
		if !decision.Approved {
			am.logger.Warn().
				Str("approval_id", req.ID).
				Str("tool", req.Tool).
				Str("reason", decision.Reason).
				Msg("Approval denied")
			if decision.Reason != "" {
				return fmt.Errorf("%w: %s", ErrApprovalDenied, decision.Reason)
			}
			return ErrApprovalDenied
		}
		am.logger.Info().
			Str("approval_id", req.ID).
			Str("tool", req.Tool).
			Str("reason", decision.Reason).
			Msg("Approval granted")
		return nil

	case err := <-failures:
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return am.expired(ctx, req, timeout)
		}
		am.logger.Error().
			Err(err).
			Str("approval_id", req.ID).
			Str("tool", req.Tool).
			Msg("Approval handler failed")
		return fmt.Errorf("%w: handler: %v", ErrApprovalDenied, err)

	case <-approvalCtx.Done():
		return am.expired(ctx, req, timeout)
	}
}

// expired distinguishes a missed approval deadline from caller cancellation.
func (am *ApprovalManager) expired(ctx context.Context, req ApprovalRequest, timeout time.Duration) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: while awaiting approval for %s", ErrCancelled, req.Tool)
	}
	am.logger.Warn().
		Str("approval_id", req.ID).
		Str("tool", req.Tool).
		Dur("timeout", timeout).
		Msg("Approval request timed out")
	return fmt.Errorf("%w: no decision for %s within %s", ErrApprovalTimeout, req.Tool, timeout)
}

// MockApprovalHandler is a scriptable handler for tests.
type MockApprovalHandler struct {
	Decision ApprovalDecision
	Delay    time.Duration
	Err      error
}

// Decide implements ApprovalHandler.
func (m *MockApprovalHandler) Decide(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return ApprovalDecision{}, ctx.Err()
		}
	}
	if m.Err != nil {
		return ApprovalDecision{}, m.Err
	}
	return m.Decision, nil
}
