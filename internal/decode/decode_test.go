package decode

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensornet/ingest-server/internal/model"
)

func TestDecode_WellFormed(t *testing.T) {
	r, err := Decode([]byte(`{"id": 7, "type": 3, "data": 21.5, "time": 1700000000}`))
	require.NoError(t, err)

	assert.Equal(t, int64(7), r.NodeID)
	assert.Equal(t, int64(3), r.TypeID)
	assert.Equal(t, 21.5, r.Value)
	assert.True(t, r.ObservedAt.Equal(time.Unix(1700000000, 0)))
	assert.Equal(t, time.UTC, r.ObservedAt.Location())
}

func TestDecode_SingleQuoted(t *testing.T) {
	r, err := Decode([]byte(`{'id': 12, 'type': '4', 'data': '-3.25', 'time': 1700000123.5}`))
	require.NoError(t, err)

	assert.Equal(t, int64(12), r.NodeID)
	assert.Equal(t, int64(4), r.TypeID)
	assert.Equal(t, -3.25, r.Value)
	assert.True(t, r.ObservedAt.Equal(time.Unix(1700000123, 500_000_000)))
}

func TestDecode_Coercions(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    model.Reading
	}{
		{
			name:    "integral float type",
			payload: `{"id": 1, "type": 3.0, "data": 10, "time": 0}`,
			want:    model.Reading{NodeID: 1, TypeID: 3, Value: 10, ObservedAt: time.Unix(0, 0).UTC()},
		},
		{
			name:    "string numbers",
			payload: `{"id": "2", "type": " 5 ", "data": "1e2", "time": "60"}`,
			want:    model.Reading{NodeID: 2, TypeID: 5, Value: 100, ObservedAt: time.Unix(60, 0).UTC()},
		},
		{
			name:    "null node id",
			payload: `{"id": null, "type": 1, "data": 1, "time": 1}`,
			want:    model.Reading{NodeID: model.NoNode, TypeID: 1, Value: 1, ObservedAt: time.Unix(1, 0).UTC()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Failures(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		field   string
	}{
		{"not json", `id=7 type=3`, ""},
		{"json array", `[1, 2, 3]`, ""},
		{"json null", `null`, ""},
		{"missing id", `{"type": 3, "data": 1, "time": 1}`, FieldNode},
		{"missing type", `{"id": 7, "data": 1, "time": 1}`, FieldType},
		{"missing data", `{"id": 7, "type": 3, "time": 1}`, FieldValue},
		{"missing time", `{"id": 7, "type": 3, "data": 1}`, FieldTime},
		{"null data", `{"id": 7, "type": 3, "data": null, "time": 1}`, FieldValue},
		{"fractional type", `{"id": 7, "type": 3.5, "data": 1, "time": 1}`, FieldType},
		{"textual type", `{"id": 7, "type": "temp", "data": 1, "time": 1}`, FieldType},
		{"textual data", `{"id": 7, "type": 3, "data": "hot", "time": 1}`, FieldValue},
		{"boolean time", `{"id": 7, "type": 3, "data": 1, "time": true}`, FieldTime},
		{"object node", `{"id": {"n": 7}, "type": 3, "data": 1, "time": 1}`, FieldNode},
		{"nan data", `{"id": 7, "type": 3, "data": "NaN", "time": 1}`, FieldValue},
		{"type past int64", `{"id": 7, "type": 9223372036854775808.0, "data": 1, "time": 1}`, FieldType},
		{"time past year 9999", `{"id": 7, "type": 3, "data": 1, "time": 1e12}`, FieldTime},
		{"time overflowing int64", `{"id": 7, "type": 3, "data": 1, "time": 1e300}`, FieldTime},
		{"time before year 1", `{"id": 7, "type": 3, "data": 1, "time": -62135596801}`, FieldTime},
		{"trailing text", `{"id": 7, "type": 3, "data": 1, "time": 1} trailing`, ""},
		{"two envelopes", `{"id": 7, "type": 3, "data": 1, "time": 1}{"id": 8, "type": 3, "data": 1, "time": 1}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)

			var de *Error
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.field, de.Field)
		})
	}
}

func TestDecode_TimeBounds(t *testing.T) {
	first, err := Decode([]byte(`{"id": 7, "type": 3, "data": 1, "time": -62135596800}`))
	require.NoError(t, err)
	assert.Equal(t, 1, first.ObservedAt.Year())

	last, err := Decode([]byte(`{"id": 7, "type": 3, "data": 1, "time": 253402300799}`))
	require.NoError(t, err)
	assert.Equal(t, time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC), last.ObservedAt)

	padded, err := Decode([]byte("{\"id\": 7, \"type\": 3, \"data\": 1, \"time\": 1}\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(7), padded.NodeID)
}

func TestDecode_Idempotent(t *testing.T) {
	payload := []byte(`{'id': 9, 'type': 2, 'data': 0.125, 'time': 1699999999.25}`)

	first, err := Decode(payload)
	require.NoError(t, err)
	second, err := Decode(payload)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
