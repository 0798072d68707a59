package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_Decode(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 123, time.UTC)
	token := Cursor{Scope: "user_1/WALLET", CreatedAt: at, ID: "ent_9"}.String()

	c, err := Decode(token, "user_1/WALLET")
	require.NoError(t, err)
	assert.Equal(t, at, c.CreatedAt)
	assert.Equal(t, "ent_9", c.ID)

	c, err = Decode("", "user_1/WALLET")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestCursor_Rejects(t *testing.T) {
	good := Cursor{Scope: "user_1/WALLET", CreatedAt: time.Now(), ID: "ent_9"}.String()
	enc := func(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

	tests := map[string]string{
		"not base64":    "%%%",
		"other scope":   good,
		"wrong version": enc("c0|user_1/DEPOSIT|1|ent_9"),
		"short":         enc("c1|user_1/DEPOSIT|1"),
		"empty id":      enc("c1|user_1/DEPOSIT|1|"),
		"bad time":      enc("c1|user_1/DEPOSIT|yesterday|ent_9"),
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(token, "user_1/DEPOSIT")
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestPage(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	key := func(n int) (time.Time, string) {
		return base.Add(-time.Duration(n) * time.Minute), "ent_" + string(rune('a'+n))
	}

	rows, next := Page([]int{0, 1, 2}, 3, "s", key)
	assert.Len(t, rows, 3)
	assert.Empty(t, next)

	rows, next = Page([]int{0, 1, 2, 3}, 3, "s", key)
	assert.Equal(t, []int{0, 1, 2}, rows)
	c, err := Decode(next, "s")
	require.NoError(t, err)
	assert.Equal(t, "ent_c", c.ID)
	assert.Equal(t, base.Add(-2*time.Minute), c.CreatedAt)
}

func TestParseLimit(t *testing.T) {
	for in, want := range map[string]int{
		"":       DefaultLimit,
		"abc":    DefaultLimit,
		"-4":     DefaultLimit,
		"0":      DefaultLimit,
		"25":     25,
		" 10 ":   10,
		"100000": MaxLimit,
	} {
		assert.Equal(t, want, ParseLimit(in), "input %q", in)
	}
}
