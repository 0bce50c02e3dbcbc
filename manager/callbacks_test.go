package manager

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbackManager_StopsAtFirstError(t *testing.T) {
	cm := NewCallbackManager()
	var order []string

	cm.RegisterCallback(NewFunctionCallback(CallbackOnFinish, func(_ context.Context, c *CallbackContext) error {
		order = append(order, "first:"+string(c.CallbackType))
		return nil
	}))
	cm.RegisterCallback(NewFunctionCallback(CallbackOnFinish, func(context.Context, *CallbackContext) error {
		order = append(order, "second")
		return errors.New("stop")
	}))
	cm.RegisterCallback(NewFunctionCallback(CallbackOnFinish, func(context.Context, *CallbackContext) error {
		order = append(order, "third")
		return nil
	}))

	err := cm.ExecuteCallbacks(context.Background(), CallbackOnFinish, &CallbackContext{ExecutionID: "e"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "on_finish callback 1")
	assert.Equal(t, []string{"first:on_finish", "second"}, order)
	assert.Equal(t, 3, cm.Len(CallbackOnFinish))
	assert.Equal(t, 0, cm.Len(CallbackOnEvict))
}

func TestCallbackManager_NilIsNoOp(t *testing.T) {
	var cm *CallbackManager
	assert.NoError(t, cm.ExecuteCallbacks(context.Background(), CallbackOnStop, &CallbackContext{}))
}
