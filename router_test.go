package agentrink

import (
	"context"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouter_Dispatch(t *testing.T) {
	var ran string
	r := NewRouter()
	r.Handle("runnable", RunnableFunc(func(ctx context.Context) error {
		ran = "runnable"
		return nil
	}))
	r.Handle("config", map[string]string{"not": "runnable"})
	r.Handle("nil", nil)

	testCases := []struct {
		name   string
		task   string
		expErr error
	}{
		{name: "runnable", task: "runnable"},
		{name: "unknown", task: "unknown", expErr: ErrUnknownRoute},
		{name: "nil component", task: "nil", expErr: ErrUnknownRoute},
		{name: "not runnable", task: "config", expErr: ErrNotRunnable},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			run, err := r.Dispatch(context.Background(), tc.task)
			jtest.Require(t, tc.expErr, err)
			if tc.expErr != nil {
				assert.Nil(t, run)
				return
			}
			require.NotNil(t, run)
			jtest.RequireNil(t, run.Run(context.Background()))
			assert.Equal(t, tc.task, ran)
		})
	}
}

func TestRouter_Rebind(t *testing.T) {
	r := NewRouter()
	r.Handle("t", "nope")
	_, err := r.Dispatch(context.Background(), "t")
	jtest.Require(t, ErrNotRunnable, err)

	r.Handle("t", RunnableFunc(func(context.Context) error { return nil }))
	_, err = r.Dispatch(context.Background(), "t")
	jtest.RequireNil(t, err)
}
