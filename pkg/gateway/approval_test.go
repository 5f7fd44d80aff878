package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patchbay/patchbay/pkg/executor"
	"github.com/patchbay/patchbay/pkg/plugin"
)

func newTestForwarder() *ApprovalForwarder {
	broadcaster := NewEventBroadcaster(NewClientRegistry(), zerolog.Nop())
	return NewApprovalForwarder(broadcaster, zerolog.Nop())
}

func TestApprovalForwarder_DecideDeliversDecision(t *testing.T) {
	forwarder := newTestForwarder()

	type result struct {
		decision executor.ApprovalDecision
		err      error
	}
	resultCh := make(chan result, 1)

	go func() {
		decision, err := forwarder.Decide(context.Background(), executor.ApprovalRequest{
			ID:       "approval-1",
			Tool:     "demo.ping",
			PluginID: "demo",
		})
		resultCh <- result{decision, err}
	}()

	require.Eventually(t, func() bool {
		return len(forwarder.Pending()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, forwarder.Resolve("approval-1", executor.ApprovalDecision{
		Approved: true,
		Reason:   "looks fine",
	}))

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		assert.True(t, res.decision.Approved)
		assert.Equal(t, "looks fine", res.decision.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decision")
	}

	assert.Empty(t, forwarder.Pending())
}

func TestApprovalForwarder_DecideHonorsCancellation(t *testing.T) {
	forwarder := newTestForwarder()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		_, err := forwarder.Decide(ctx, executor.ApprovalRequest{
			ID:   "approval-1",
			Tool: "demo.ping",
		})
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		return len(forwarder.Pending()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cancellation")
	}

	assert.Empty(t, forwarder.Pending())

	err := forwarder.Resolve("approval-1", executor.ApprovalDecision{Approved: true})
	assert.ErrorIs(t, err, plugin.ErrNotFound)
}

func TestApprovalForwarder_ResolveUnknown(t *testing.T) {
	forwarder := newTestForwarder()

	err := forwarder.Resolve("missing", executor.ApprovalDecision{Approved: true})
	assert.ErrorIs(t, err, plugin.ErrNotFound)
}

func TestApprovalForwarder_ResolveTwice(t *testing.T) {
	forwarder := newTestForwarder()

	done := make(chan struct{})
	go func() {
		_, _ = forwarder.Decide(context.Background(), executor.ApprovalRequest{
			ID:   "approval-1",
			Tool: "demo.ping",
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(forwarder.Pending()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, forwarder.Resolve("approval-1", executor.ApprovalDecision{Approved: false, Reason: "nope"}))
	assert.ErrorIs(t, forwarder.Resolve("approval-1", executor.ApprovalDecision{Approved: true}), plugin.ErrNotFound)

	<-done
}

func TestApprovalForwarder_PendingSnapshot(t *testing.T) {
	forwarder := newTestForwarder()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_, _ = forwarder.Decide(ctx, executor.ApprovalRequest{ID: "approval-1", Tool: "demo.ping", PluginID: "demo"})
	}()
	require.Eventually(t, func() bool {
		return len(forwarder.Pending()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	go func() {
		_, _ = forwarder.Decide(ctx, executor.ApprovalRequest{ID: "approval-2", Tool: "demo.echo", PluginID: "demo"})
	}()
	require.Eventually(t, func() bool {
		return len(forwarder.Pending()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	pending := forwarder.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "approval-1", pending[0].ID)
	assert.Equal(t, "approval-2", pending[1].ID)
	assert.Equal(t, "demo.ping", pending[0].Tool)
	assert.Equal(t, "demo", pending[0].PluginID)

	require.NoError(t, forwarder.Resolve("approval-1", executor.ApprovalDecision{Approved: true}))
	require.Eventually(t, func() bool {
		return len(forwarder.Pending()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "approval-2", forwarder.Pending()[0].ID)
}

func TestApprovalForwarder_BroadcastsRequest(t *testing.T) {
	serverConn, clientConn, cleanup := websocketConnPair(t)
	defer cleanup()

	registry := NewClientRegistry()
	registry.Add(&Client{
		ID:            "client-1",
		Conn:          serverConn,
		Authenticated: true,
	})

	broadcaster := NewEventBroadcaster(registry, zerolog.Nop())
	forwarder := NewApprovalForwarder(broadcaster, zerolog.Nop())

	go func() {
		_, _ = forwarder.Decide(context.Background(), executor.ApprovalRequest{
			ID:        "approval-1",
			Tool:      "demo.ping",
			PluginID:  "demo",
			Arguments: map[string]any{"target": "localhost"},
		})
	}()

	var event EventMessage
	require.NoError(t, clientConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, clientConn.ReadJSON(&event))

	assert.Equal(t, "approval.requested", event.Event)
	assert.Equal(t, StreamTypeApproval, event.Stream)
	assert.Equal(t, "pending", event.Phase)
	assert.Equal(t, "demo.ping", event.Tool)

	data, ok := event.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "approval-1", data["approval_id"])
	assert.Equal(t, "demo.ping", data["tool"])
	assert.NotZero(t, data["created_at"])

	args, ok := data["arguments"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "localhost", args["target"])

	require.NoError(t, forwarder.Resolve("approval-1", executor.ApprovalDecision{Approved: true}))
}
