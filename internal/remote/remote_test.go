package remote

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	row := Row{"channel_id": "dm:1:2", "created_at": int64(100), "n": uint8(3)}

	tests := []struct {
		name    string
		filters []Filter
		want    bool
	}{
		{"no filters", nil, true},
		{"eq string", []Filter{Eq("channel_id", "dm:1:2")}, true},
		{"eq mixed numeric types", []Filter{Eq("n", 3)}, true},
		{"gt", []Filter{Gt("created_at", 99)}, true},
		{"gt equal", []Filter{Gt("created_at", int64(100))}, false},
		{"gte equal", []Filter{Gte("created_at", int64(100))}, true},
		{"gte above", []Filter{Gte("created_at", 101)}, false},
		{"lt", []Filter{Lt("created_at", 101.0)}, true},
		{"in", []Filter{In("channel_id", "x", "dm:1:2")}, true},
		{"in miss", []Filter{In("channel_id", "x")}, false},
		{"missing column", []Filter{Eq("nope", 1)}, false},
		{"all must hold", []Filter{Eq("channel_id", "dm:1:2"), Gt("created_at", 200)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Matches(row, tt.filters))
		})
	}
}

func TestRowAccessors(t *testing.T) {
	row := Row{
		"s":   "hi",
		"i8":  int8(-4),
		"u":   uint32(7),
		"f":   float64(12.9),
		"b":   true,
		"bi":  int64(1),
		"b64": "aGVsbG8=",
		"raw": []byte{1, 2},
		"lst": []any{"a", "b"},
	}
	require.Equal(t, "hi", row.Text("s"))
	require.Equal(t, "", row.Text("missing"))
	require.EqualValues(t, -4, row.Int64("i8"))
	require.EqualValues(t, 7, row.Int64("u"))
	require.EqualValues(t, 12, row.Int64("f"))
	require.True(t, row.Bool("b"))
	require.True(t, row.Bool("bi"))
	require.False(t, row.Bool("missing"))

	b, err := row.Bytes("b64")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), b)
	b, err = row.Bytes("raw")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2}, b)
	_, err = row.Bytes("i8")
	require.Error(t, err)

	require.Equal(t, []string{"a", "b"}, row.Strings("lst"))
}

func TestObjectPath(t *testing.T) {
	base := "https://cdn.example.com/storage/v1/object/public"

	tests := []struct {
		name    string
		locator string
		want    string
		ok      bool
	}{
		{"match", base + "/encrypted-files/u1/u2/1700_a.txt.enc", "u1/u2/1700_a.txt.enc", true},
		{"query stripped", base + "/encrypted-files/u1/g1/1_a.enc?token=x", "u1/g1/1_a.enc", true},
		{"escaped", base + "/encrypted-files/u1/u2/1_my%20file.enc", "u1/u2/1_my file.enc", true},
		{"other bucket", base + "/avatars/u1.png", "", false},
		{"other host", "https://evil.example.com/encrypted-files/u1/u2/x.enc", "", false},
		{"bare path", "u1/u2/x.enc", "", false},
		{"traversal", base + "/encrypted-files/../secrets", "", false},
		{"empty rel", base + "/encrypted-files/", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ObjectPath(base+"/encrypted-files/", tt.locator)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}
