package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type row struct {
	id string
	at time.Time
}

func rowKey(r row) (time.Time, string) { return r.at, r.id }

func rows(n int) []row {
	base := time.Date(2026, 7, 1, 9, 0, 0, 0, time.UTC)
	out := make([]row, n)
	for i := range out {
		out[i] = row{id: string(rune('a' + i)), at: base.Add(time.Duration(i) * time.Minute)}
	}
	return out
}

func ids(rs []row) string {
	s := ""
	for _, r := range rs {
		s += r.id
	}
	return s
}

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)

	cursor, err := Decode(Encode(ts, "apv_abc123"))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.CreatedAt)
	assert.Equal(t, "apv_abc123", cursor.ID)

	cursor, err = Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "!!!"},
		{"no separator", base64.RawURLEncoding.EncodeToString([]byte("12345"))},
		{"bad timestamp", base64.RawURLEncoding.EncodeToString([]byte("abc|apv_1"))},
		{"empty id", base64.RawURLEncoding.EncodeToString([]byte("12345|"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.input)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestPaginate_WalksAllPages(t *testing.T) {
	items := rows(5)

	var got []string
	var cursor *Cursor
	for {
		page := Paginate(items, cursor, 2, rowKey)
		got = append(got, ids(page.Items))
		if !page.HasMore {
			assert.Empty(t, page.Next)
			break
		}
		var err error
		cursor, err = Decode(page.Next)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"ab", "cd", "e"}, got)
}

func TestPaginate_Edges(t *testing.T) {
	items := rows(4)

	tests := []struct {
		name   string
		cursor *Cursor
		limit  int
		want   string
		more   bool
	}{
		{"no limit", nil, 0, "abcd", false},
		{"exact fit", nil, 4, "abcd", false},
		{"after last", &Cursor{CreatedAt: items[3].at, ID: "d"}, 2, "", false},
		{"cursor item gone", &Cursor{CreatedAt: items[1].at.Add(time.Second), ID: "zz"}, 5, "cd", false},
		{"cursor past end", &Cursor{CreatedAt: items[3].at.Add(time.Hour), ID: "zz"}, 5, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := Paginate(items, tt.cursor, tt.limit, rowKey)
			assert.Equal(t, tt.want, ids(page.Items))
			assert.Equal(t, tt.more, page.HasMore)
		})
	}
}
