// Package decode turns raw sensor envelopes into candidate readings.
//
// Envelopes look like {"id": 7, "type": 3, "data": 21.5, "time": 1700000000}. Some
// node firmware emits single-quoted pseudo-JSON, so every single quote is replaced
// with a double quote before parsing.
package decode

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"sensornet/ingest-server/internal/model"
)

// ErrMalformed is matched by every decode failure.
var ErrMalformed = errors.New("malformed envelope")

// Error describes why an envelope could not be decoded.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode envelope: %v", e.Err)
	}
	return fmt.Sprintf("decode envelope field %q: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrMalformed, e.Err}
}

// Wire field names.
const (
	FieldNode  = "id"
	FieldType  = "type"
	FieldValue = "data"
	FieldTime  = "time"
)

// Timestamps are stored as four-digit years.
var (
	minEpoch = float64(time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC).Unix())
	maxEpoch = float64(time.Date(10000, time.January, 1, 0, 0, 0, 0, time.UTC).Unix())
)

// Decode parses one payload into a candidate reading.
func Decode(payload []byte) (model.Reading, error) {
	normalized := bytes.ReplaceAll(payload, []byte("'"), []byte(`"`))

	dec := json.NewDecoder(bytes.NewReader(normalized))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return model.Reading{}, &Error{Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return model.Reading{}, &Error{Err: errors.New("trailing data after envelope")}
	}
	if fields == nil {
		return model.Reading{}, &Error{Err: errors.New("envelope is not an object")}
	}

	nodeRaw, ok := fields[FieldNode]
	if !ok {
		return model.Reading{}, &Error{Field: FieldNode, Err: errors.New("missing")}
	}
	nodeID := model.NoNode
	if nodeRaw != nil {
		id, err := toInt(nodeRaw)
		if err != nil {
			return model.Reading{}, &Error{Field: FieldNode, Err: err}
		}
		nodeID = id
	}

	typeRaw, err := required(fields, FieldType)
	if err != nil {
		return model.Reading{}, err
	}
	typeID, err := toInt(typeRaw)
	if err != nil {
		return model.Reading{}, &Error{Field: FieldType, Err: err}
	}

	valueRaw, err := required(fields, FieldValue)
	if err != nil {
		return model.Reading{}, err
	}
	value, err := toFloat(valueRaw)
	if err != nil {
		return model.Reading{}, &Error{Field: FieldValue, Err: err}
	}

	timeRaw, err := required(fields, FieldTime)
	if err != nil {
		return model.Reading{}, err
	}
	epoch, err := toFloat(timeRaw)
	if err != nil {
		return model.Reading{}, &Error{Field: FieldTime, Err: err}
	}
	if epoch < minEpoch || epoch >= maxEpoch {
		return model.Reading{}, &Error{Field: FieldTime, Err: fmt.Errorf("epoch %v outside years 1 to 9999", epoch)}
	}

	return model.Reading{
		NodeID:     nodeID,
		TypeID:     typeID,
		Value:      value,
		ObservedAt: fromEpoch(epoch),
	}, nil
}

func required(fields map[string]any, name string) (any, error) {
	v, ok := fields[name]
	if !ok || v == nil {
		return nil, &Error{Field: name, Err: errors.New("missing")}
	}
	return v, nil
}

func toFloat(v any) (float64, error) {
	var (
		f   float64
		err error
	)
	switch t := v.(type) {
	case json.Number:
		f, err = t.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(t), 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
	if err != nil {
		return 0, fmt.Errorf("not a number: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %v", v)
	}
	return f, nil
}

// toInt accepts integral numbers, including forms such as 3.0 and "3".
func toInt(v any) (int64, error) {
	if s, ok := v.(string); ok {
		if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return i, nil
		}
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f >= 0x1p63 || f < -0x1p63 {
		return 0, fmt.Errorf("not an integer: %v", v)
	}
	return int64(f), nil
}

func fromEpoch(seconds float64) time.Time {
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(math.Round(frac*1e9))).UTC()
}
