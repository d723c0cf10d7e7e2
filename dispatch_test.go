package goodjob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryResolveExactMatch(t *testing.T) {
	r := NewRegistry()
	called := false
	r.Register("MyApp::SendEmailJob", HandlerFunc(func(ctx context.Context, job *Job, args []any) Outcome {
		called = true
		return Complete()
	}), HandlerOptions{Queue: "mailers"})

	reg, err := r.Resolve("MyApp::SendEmailJob")
	require.NoError(t, err)
	reg.Perform(context.Background(), &Job{}, nil)
	assert.True(t, called)
}

func TestRegistryResolveNativeFallback(t *testing.T) {
	r := NewRegistry()
	r.Register("myapp.SendEmailJob", HandlerFunc(func(ctx context.Context, job *Job, args []any) Outcome {
		return Complete()
	}), HandlerOptions{})

	reg, err := r.Resolve("myapp::SendEmailJob")
	require.NoError(t, err)
	assert.NotNil(t, reg)
}

func TestRegistryResolveUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("NoSuchJob")
	require.Error(t, err)
	var unknown *UnknownHandlerError
	assert.ErrorAs(t, err, &unknown)
}

func TestRegistryExternalOnlyFailsFastOnPerform(t *testing.T) {
	r := NewRegistry()
	r.RegisterExternal("PeerOwned::Job", HandlerOptions{Queue: "peer"})

	reg, err := r.Resolve("PeerOwned::Job")
	require.NoError(t, err)

	outcome := reg.Perform(context.Background(), &Job{}, nil)
	assert.Equal(t, OutcomeDiscard, outcome.Kind)
	assert.Equal(t, ErrExternalJobMisrouted.Error(), outcome.DiscardReason)
}

func TestRegistryOptionsDefaults(t *testing.T) {
	opts := HandlerOptions{}
	assert.Equal(t, int32(25), opts.maxAttempts())
}

func TestHandlerOptionsBackoffDefaults(t *testing.T) {
	opts := HandlerOptions{}
	assert.Greater(t, opts.backoffBase().Seconds(), 0.0)
	assert.Greater(t, opts.backoffCap().Hours(), 0.0)
}
