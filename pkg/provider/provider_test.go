package provider

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRateLimitError struct {
	retryAt time.Time
}

func (e testRateLimitError) Error() string            { return "slow down" }
func (e testRateLimitError) EarliestRetry() time.Time { return e.retryAt }

func TestUnavailableWrapsOnce(t *testing.T) {
	cause := errors.New("connection refused")

	err := Unavailable("describe fleet", cause)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "describe fleet")

	again := Unavailable("outer", err)
	assert.Equal(t, err, again)
}

func TestThrottledMatchesUnavailable(t *testing.T) {
	assert.ErrorIs(t, ErrThrottled, ErrUnavailable)
}

func TestThrottleHoldoff(t *testing.T) {
	logger := zerolog.New(io.Discard)
	var thr Throttle

	thr.CheckRateLimitError(errors.New("plain failure"), logger, "Describe")
	assert.NoError(t, thr.Err())

	thr.CheckRateLimitError(testRateLimitError{retryAt: time.Now().Add(-time.Second)}, logger, "Describe")
	assert.NoError(t, thr.Err(), "retry time already passed")

	thr.CheckRateLimitError(testRateLimitError{retryAt: time.Now().Add(time.Hour)}, logger, "Describe")
	err := thr.Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrThrottled)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestThrottleExpires(t *testing.T) {
	var thr Throttle
	thr.ErrorUntil(ErrThrottled, time.Now().Add(20*time.Millisecond))
	require.Error(t, thr.Err())

	time.Sleep(40 * time.Millisecond)
	assert.NoError(t, thr.Err())
}

func TestAddressStateString(t *testing.T) {
	assert.Equal(t, "assigned", AddressAssigned.String())
	assert.Equal(t, "pending", AddressPending.String())
	assert.Equal(t, "vanished", InstanceVanished.String())
	assert.Equal(t, "AddressState(9)", AddressState(9).String())
}
