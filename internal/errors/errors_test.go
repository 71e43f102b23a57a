package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCarriesNoCause(t *testing.T) {
	err := New(BackendConnect, "router", "dial failed")
	assert.Equal(t, BackendConnect, err.Code)
	assert.Nil(t, err.Unwrap())
	assert.Contains(t, err.Error(), "dial failed")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(cause, BackendConnect, "router", "dial failed")
	assert.Same(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, BackendConnect, "router", "unused"))
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(BackendConnect, "router", "first")
	b := New(BackendConnect, "proxy", "second")
	c := New(BackendIO, "proxy", "third")

	assert.True(t, a.Is(b))
	assert.False(t, a.Is(c))
}

func TestOnlyBackendConnectIsRetryable(t *testing.T) {
	cases := []struct {
		code      Code
		retryable bool
	}{
		{BackendConnect, true},
		{BackendIO, false},
		{ClientIO, false},
		{NoHealthyBackends, false},
		{ConfigInvalid, false},
		{BindFailure, false},
		{ProbeFailure, false},
	}
	for _, c := range cases {
		err := New(c.code, "x", "y")
		assert.Equal(t, c.retryable, err.IsRetryable(), "code %s", c.code)
	}
}

func TestHTTPStatusCodeMapping(t *testing.T) {
	cases := []struct {
		code   Code
		status int
	}{
		{NoHealthyBackends, 503},
		{BackendConnect, 502},
		{BackendIO, 502},
		{ClientIO, 400},
		{ConfigInvalid, 400},
		{BindFailure, 500},
		{ProbeFailure, 500},
	}
	for _, c := range cases {
		err := New(c.code, "x", "y")
		assert.Equal(t, c.status, err.HTTPStatusCode(), "code %s", c.code)
	}
}

func TestWithMetadataAccumulates(t *testing.T) {
	err := New(BackendConnect, "router", "dial failed").
		WithMetadata("backend", "app").
		WithMetadata("addr", "10.0.0.1:9000")

	assert.Equal(t, "app", err.Metadata["backend"])
	assert.Equal(t, "10.0.0.1:9000", err.Metadata["addr"])
}

func TestCodeOfNonLBError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(fmt.Errorf("plain error")))
}

func TestHTTPStatusOfNonLBErrorDefaultsTo500(t *testing.T) {
	assert.Equal(t, 500, HTTPStatusOf(fmt.Errorf("plain error")))
}

func TestIsRetryableNonLBError(t *testing.T) {
	assert.False(t, IsRetryable(fmt.Errorf("plain error")))
}

func TestConstructorHelpersSetExpectedCodes(t *testing.T) {
	assert.Equal(t, NoHealthyBackends, NewNoHealthyBackends("app").Code)
	assert.Equal(t, BackendConnect, NewBackendConnect("app", "10.0.0.1:9000", fmt.Errorf("refused")).Code)
	assert.Equal(t, BackendIO, NewBackendIO("app", "10.0.0.1:9000", fmt.Errorf("reset")).Code)
	assert.Equal(t, ClientIO, NewClientIO(fmt.Errorf("bad request"), "malformed request line").Code)
	assert.Equal(t, ConfigInvalid, NewConfigInvalid("bad config").Code)
	assert.Equal(t, BindFailure, NewBindFailure("0.0.0.0:80", fmt.Errorf("address in use")).Code)
	assert.Equal(t, ProbeFailure, NewProbeFailure("app", "10.0.0.1:9000", fmt.Errorf("timeout")).Code)
}
