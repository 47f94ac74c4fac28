package utils

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMust(t *testing.T) {
	assert.Equal(t, 5, Must(5, nil))
	require.Panics(t, func() { Must(0, errors.New("boom")) })
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, int64(0), CeilDiv(0, 4096))
	assert.Equal(t, int64(1), CeilDiv(1, 4096))
	assert.Equal(t, int64(1), CeilDiv(4096, 4096))
	assert.Equal(t, int64(2), CeilDiv(4097, 4096))
}
