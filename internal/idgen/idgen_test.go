package idgen

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("tx_")
	assert.True(t, HasPrefix(id, "tx_"))
	assert.Len(t, id, 35)
	assert.False(t, HasPrefix("tx_short", "tx_"))
	assert.False(t, HasPrefix("cs_test_a1b2", "tx_"))

	_, err := uuid.Parse(strings.TrimPrefix(id, "tx_"))
	assert.NoError(t, err, "suffix is a dashless uuid")
}

func TestHex(t *testing.T) {
	assert.Len(t, Hex(8), 16)
	assert.NotEqual(t, Hex(16), Hex(16))
}
