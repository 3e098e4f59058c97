package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC)
	key := "veh_0f3a|with-pipe"

	cursor, err := Decode(Encode(ts, key))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, key, cursor.Key)
}

func TestDecode(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)

	for _, in := range []string{
		"not-base64!!!",
		base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		base64.RawURLEncoding.EncodeToString([]byte("abc|ref")),
		base64.RawURLEncoding.EncodeToString([]byte("123|")),
	} {
		_, err := Decode(in)
		assert.ErrorIs(t, err, ErrInvalidCursor, in)
	}
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ParseLimit(""))
	assert.Equal(t, DefaultLimit, ParseLimit("-3"))
	assert.Equal(t, DefaultLimit, ParseLimit("ten"))
	assert.Equal(t, 10, ParseLimit("10"))
	assert.Equal(t, MaxLimit, ParseLimit("100000"))
}

func TestComputePage(t *testing.T) {
	day := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(s string) (time.Time, string) { return day, s }

	tests := []struct {
		name     string
		items    []string
		limit    int
		wantLen  int
		wantMore bool
	}{
		{"fewer than limit", []string{"a", "b", "c"}, 5, 3, false},
		{"exact limit", []string{"a", "b", "c"}, 3, 3, false},
		{"one extra", []string{"a", "b", "c", "d"}, 3, 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, next, more := ComputePage(tt.items, tt.limit, key)
			assert.Len(t, page, tt.wantLen)
			assert.Equal(t, tt.wantMore, more)
			if !tt.wantMore {
				assert.Empty(t, next)
				return
			}
			c, err := Decode(next)
			require.NoError(t, err)
			assert.Equal(t, page[len(page)-1], c.Key)
			assert.Equal(t, day, c.CreatedAt)
		})
	}
}
