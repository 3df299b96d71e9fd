package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a, err := Fingerprint([]byte(`{"symbol":"INFY","quantity":10,"side":"BUY"}`))
	require.NoError(t, err)

	b, err := Fingerprint([]byte(`{
		"side": "BUY",
		"quantity": 10,
		"symbol": "INFY"
	}`))
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestFingerprintNestedObjects(t *testing.T) {
	a, err := Fingerprint([]byte(`{"outer":{"b":2,"a":1},"list":[{"y":2,"x":1}]}`))
	require.NoError(t, err)
	b, err := Fingerprint([]byte(`{"list":[{"x":1,"y":2}],"outer":{"a":1,"b":2}}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestFingerprintDistinguishesBodies(t *testing.T) {
	a, err := Fingerprint([]byte(`{"quantity":10}`))
	require.NoError(t, err)
	b, err := Fingerprint([]byte(`{"quantity":11}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	// Array order is semantic and must not be normalized away.
	c, err := Fingerprint([]byte(`{"ids":[1,2]}`))
	require.NoError(t, err)
	d, err := Fingerprint([]byte(`{"ids":[2,1]}`))
	require.NoError(t, err)
	assert.NotEqual(t, c, d)
}

func TestFingerprintRejectsInvalidJSON(t *testing.T) {
	_, err := Fingerprint([]byte(`not json`))
	assert.Error(t, err)

	_, err = Fingerprint(nil)
	assert.Error(t, err)
}

func TestFingerprintIsHex(t *testing.T) {
	sum, err := Fingerprint([]byte(`{}`))
	require.NoError(t, err)
	assert.Len(t, sum, 64)
}
