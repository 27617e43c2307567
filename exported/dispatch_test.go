package exported

import (
	"context"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gicmo/bolt-sub000/boltderr"
)

func TestAuthorizeDefaultAllowWithNoHandlers(t *testing.T) {
	class := NewClass("org.example.Test")
	e := &Exported{class: class}

	allowed, err := e.authorize("Method", false, nil)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAuthorizeFirstWinsAccumulator(t *testing.T) {
	class := NewClass("org.example.Test")
	var calledSecond bool

	class.AddAuthorizer(func(ctx context.Context, e *Exported, member string, isProperty bool, wireValue interface{}) (bool, bool, error) {
		return true, false, nil // handled, denies
	})
	class.AddAuthorizer(func(ctx context.Context, e *Exported, member string, isProperty bool, wireValue interface{}) (bool, bool, error) {
		calledSecond = true
		return true, true, nil
	})

	e := &Exported{class: class}
	allowed, err := e.authorize("Method", false, nil)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.False(t, calledSecond, "second authorizer must not run once the first handles the request")
}

func TestAuthorizeFallsThroughUnhandled(t *testing.T) {
	class := NewClass("org.example.Test")
	class.AddAuthorizer(func(ctx context.Context, e *Exported, member string, isProperty bool, wireValue interface{}) (bool, bool, error) {
		return false, false, nil // not handled
	})
	class.AddAuthorizer(func(ctx context.Context, e *Exported, member string, isProperty bool, wireValue interface{}) (bool, bool, error) {
		return true, true, nil
	})

	e := &Exported{class: class}
	allowed, err := e.authorize("Method", false, nil)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestSetOnNoSetterPropertyIsInvalidArgs(t *testing.T) {
	class := NewClass("org.example.Test")
	class.AddProperty(&PropertySpec{
		Name: "ReadOnly",
		Get:  func(obj interface{}) (interface{}, error) { return "x", nil },
	})
	e := &Exported{class: class}

	derr := e.dbusSet("org.example.Test", "ReadOnly", dbus.MakeVariant("y"))
	require.NotNil(t, derr)
	assert.Equal(t, boltderr.BusName("org.freedesktop.bolt", boltderr.New(boltderr.KindInvalidArgs, "x")), derr.Name)
}

func TestCoalescerBatchesNotifiesIntoSingleDrain(t *testing.T) {
	c := newCoalescer(nil)
	t.Cleanup(c.cancel)
	c.notify("A")
	c.notify("B")

	c.mu.Lock()
	_, hasA := c.pending["A"]
	_, hasB := c.pending["B"]
	timerSet := c.timer != nil
	c.mu.Unlock()

	assert.True(t, hasA)
	assert.True(t, hasB)
	assert.True(t, timerSet)
}

func TestCoalescerCancelClearsPending(t *testing.T) {
	c := newCoalescer(nil)
	c.notify("A")
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.pending)
	assert.Nil(t, c.timer)
}

func TestCoalescerWindowIsShort(t *testing.T) {
	// Sanity check that the coalescing window is tuned for an idle
	// callback, not a user-visible delay.
	assert.Less(t, coalesceWindow, 100*time.Millisecond)
}
