package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undoable/undoable/internal/action"
)

func TestRequestApprovalGrantedWhenModeOff(t *testing.T) {
	g := New(ModeOff, time.Second, nil, nil)
	decision, err := g.RequestApproval(context.Background(), "run-1", "write_file", action.CategoryMutate, nil, "")
	require.NoError(t, err)
	assert.Equal(t, DecisionGranted, decision)
	assert.Empty(t, g.Pending())
}

func TestRequestApprovalGrantedForReadUnderMutateMode(t *testing.T) {
	g := New(ModeMutate, time.Second, nil, nil)
	decision, err := g.RequestApproval(context.Background(), "run-1", "read_file", action.CategoryRead, nil, "")
	require.NoError(t, err)
	assert.Equal(t, DecisionGranted, decision)
}

func TestRequestApprovalSuspendsUntilResolved(t *testing.T) {
	g := New(ModeAlways, 5*time.Second, nil, nil)

	var notified Request
	g.OnRequest(func(req Request) { notified = req })

	done := make(chan Decision, 1)
	go func() {
		d, _ := g.RequestApproval(context.Background(), "run-1", "write_file", action.CategoryMutate, map[string]interface{}{"path": "x"}, "writes x")
		done <- d
	}()

	require.Eventually(t, func() bool { return len(g.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "write_file", notified.ToolName)

	pending := g.Pending()
	require.Len(t, pending, 1)
	require.NoError(t, g.Resolve(pending[0].ID, true, false))

	select {
	case d := <-done:
		assert.Equal(t, DecisionGranted, d)
	case <-time.After(time.Second):
		t.Fatal("request did not resolve")
	}
}

func TestRequestApprovalDeniedReturnsError(t *testing.T) {
	g := New(ModeAlways, 5*time.Second, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := g.RequestApproval(context.Background(), "run-1", "delete_file", action.CategoryMutate, nil, "")
		done <- err
	}()

	require.Eventually(t, func() bool { return len(g.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	pending := g.Pending()
	require.NoError(t, g.Resolve(pending[0].ID, false, false))

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("request did not resolve")
	}
}

func TestRequestApprovalTimesOut(t *testing.T) {
	g := New(ModeAlways, 10*time.Millisecond, nil, nil)
	decision, err := g.RequestApproval(context.Background(), "run-1", "delete_file", action.CategoryMutate, nil, "")
	assert.Error(t, err)
	assert.Equal(t, DecisionTimeout, decision)
}

func TestResolveAllowAlwaysPopulatesAllowlist(t *testing.T) {
	g := New(ModeAlways, 5*time.Second, nil, nil)

	args := map[string]interface{}{"path": "x"}
	done := make(chan Decision, 1)
	go func() {
		d, _ := g.RequestApproval(context.Background(), "run-1", "write_file", action.CategoryMutate, args, "")
		done <- d
	}()
	require.Eventually(t, func() bool { return len(g.Pending()) == 1 }, time.Second, 5*time.Millisecond)
	pending := g.Pending()
	require.NoError(t, g.Resolve(pending[0].ID, true, true))
	<-done

	// A second identical request is now auto-granted via the allowlist.
	decision, err := g.RequestApproval(context.Background(), "run-1", "write_file", action.CategoryMutate, args, "")
	require.NoError(t, err)
	assert.Equal(t, DecisionGranted, decision)
	assert.Empty(t, g.Pending())
}

func TestResolveUnknownIDFails(t *testing.T) {
	g := New(ModeAlways, time.Second, nil, nil)
	err := g.Resolve("missing", true, false)
	assert.Error(t, err)
}

func TestRejectAllForRunResolvesOnlyMatchingRun(t *testing.T) {
	g := New(ModeAlways, 5*time.Second, nil, nil)

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() {
		_, err := g.RequestApproval(context.Background(), "run-a", "write_file", action.CategoryMutate, map[string]interface{}{"k": "a"}, "")
		doneA <- err
	}()
	go func() {
		_, err := g.RequestApproval(context.Background(), "run-b", "write_file", action.CategoryMutate, map[string]interface{}{"k": "b"}, "")
		doneB <- err
	}()
	require.Eventually(t, func() bool { return len(g.Pending()) == 2 }, time.Second, 5*time.Millisecond)

	g.RejectAllForRun("run-a")

	select {
	case err := <-doneA:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("run-a request did not resolve")
	}

	assert.Len(t, g.Pending(), 1)

	pending := g.Pending()
	require.NoError(t, g.Resolve(pending[0].ID, true, false))
	<-doneB
}

func TestSetModeAndMode(t *testing.T) {
	g := New(ModeOff, time.Second, nil, nil)
	assert.Equal(t, ModeOff, g.Mode())
	g.SetMode(ModeAlways)
	assert.Equal(t, ModeAlways, g.Mode())
}
