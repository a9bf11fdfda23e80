package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrorsCarryPrefix(t *testing.T) {
	sentinels := []error{
		ErrServiceRequired,
		ErrHandlerRequired,
		ErrWildcardChannelRequired,
		ErrDuplicateCommand,
		ErrDuplicateCorrelationID,
		ErrResponseRouteRequired,
		ErrSchedulerClosed,
		ErrNotMaster,
	}
	for _, err := range sentinels {
		assert.Contains(t, err.Error(), "commandflow: ")
	}
}

func TestDispatchErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", &DispatchError{Key: "orders/create/"})

	assert.ErrorIs(t, err, ErrCommandNotSupported)

	var dispatchErr *DispatchError
	require.True(t, errors.As(err, &dispatchErr))
	assert.Equal(t, "orders/create/", dispatchErr.Key)
	assert.Contains(t, dispatchErr.Error(), "orders/create/")
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	assert.Equal(t, "commandflow: invalid configuration: invalid port", err.Error())
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "commandflow: invalid configuration", ConfigValidationError{}.Error())
}
