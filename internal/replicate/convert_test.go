package replicate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowVersionToUint64(t *testing.T) {
	tests := []struct {
		name    string
		in      interface{}
		want    uint64
		wantErr bool
	}{
		{name: "eight bytes big endian", in: []byte{0, 0, 0, 0, 0, 0, 0x1f, 0x40}, want: 8000},
		{name: "short byte slice is left padded", in: []byte{0x01, 0x00}, want: 256},
		{name: "overlong slice keeps low eight bytes", in: []byte{0xff, 0, 0, 0, 0, 0, 0, 0, 0x2a}, want: 42},
		{name: "hex string with prefix", in: "0x00000000000007D1", want: 2001},
		{name: "decimal string", in: "12345", want: 12345},
		{name: "bare digit string reads as decimal not hex", in: "1234", want: 1234},
		{name: "decimal above signed 64-bit range", in: "18446744073709551614", want: 18446744073709551614},
		{name: "int64 passthrough", in: int64(99), want: 99},
		{name: "nil is zero", in: nil, want: 0},
		{name: "garbage string", in: "not-a-version-xx", wantErr: true},
		{name: "unsupported type", in: 3.14, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := rowVersionToUint64(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRowVersionRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 8000, 1<<32 + 7, 1<<63 + 1} {
		got, err := rowVersionToUint64(uint64ToRowVersionArg(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestConvertValueTimestampClamping(t *testing.T) {
	col := &Column{Name: "updated_at", Kind: KindTimestamp}

	inRange := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	got, err := convertValue(col, inRange)
	require.NoError(t, err)
	assert.Equal(t, inRange, got)

	preEpoch := time.Date(1969, 12, 31, 23, 59, 59, 0, time.UTC)
	got, err = convertValue(col, preEpoch)
	require.NoError(t, err)
	assert.Nil(t, got)

	farFuture := time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
	got, err = convertValue(col, farFuture)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = convertValue(col, "2024-03-01 08:30:00")
	require.NoError(t, err)
	assert.Equal(t, inRange, got)
}

func TestConvertValueByKind(t *testing.T) {
	dec, err := convertValue(&Column{Name: "amount", Kind: KindDecimal}, []byte("123.4500"))
	require.NoError(t, err)
	assert.InDelta(t, 123.45, dec, 1e-9)

	b, err := convertValue(&Column{Name: "active", Kind: KindBool}, int64(1))
	require.NoError(t, err)
	assert.Equal(t, true, b)

	bin, err := convertValue(&Column{Name: "payload", Kind: KindBinary}, []byte{0xde, 0xad})
	require.NoError(t, err)
	assert.Equal(t, "dead", bin)

	txt, err := convertValue(&Column{Name: "name", Kind: KindText}, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", txt)

	n, err := convertValue(&Column{Name: "anything", Kind: KindText}, nil)
	require.NoError(t, err)
	assert.Nil(t, n)
}

func TestConvertRow(t *testing.T) {
	td := desc(
		col("id", KindInteger, primary, identity),
		col("name", KindText),
		col("row_version", KindRowVersion),
	)
	out, err := convertRow(td, map[string]interface{}{
		"id":          int64(5),
		"name":        []byte("widget"),
		"row_version": []byte{0, 0, 0, 0, 0, 0, 0, 0x07},
		"extra":       "untouched",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), out["id"])
	assert.Equal(t, "widget", out["name"])
	assert.Equal(t, uint64(7), out["row_version"])
	assert.Equal(t, "untouched", out["extra"])
}
