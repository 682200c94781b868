package validate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sensornet/ingest-server/internal/model"
)

type MockLookup struct {
	mock.Mock
}

func (m *MockLookup) FindTypeByCode(ctx context.Context, code int64) (*model.MeasurementType, error) {
	args := m.Called(ctx, code)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.MeasurementType), args.Error(1)
}

func (m *MockLookup) FindNodeByID(ctx context.Context, id int64) (*model.Node, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Node), args.Error(1)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheck(t *testing.T) {
	temperature := &model.MeasurementType{ID: 1, TypeCode: 3, Symbol: "C", Name: "temperatura"}
	active := &model.Node{ID: 7, Identifier: "nodo-7", Active: true}
	inactive := &model.Node{ID: 8, Identifier: "nodo-8", Active: false}

	tests := []struct {
		name     string
		reading  model.Reading
		accepted bool
		reason   string
	}{
		{name: "valid", reading: model.Reading{NodeID: 7, TypeID: 3}, accepted: true},
		{name: "unknown type", reading: model.Reading{NodeID: 7, TypeID: 99}, reason: ReasonInvalidType},
		{name: "inactive node", reading: model.Reading{NodeID: 8, TypeID: 3}, reason: ReasonInvalidNode},
		{name: "unknown node", reading: model.Reading{NodeID: 9, TypeID: 3}, reason: ReasonInvalidNode},
		{name: "null node", reading: model.Reading{NodeID: model.NoNode, TypeID: 3}, reason: ReasonInvalidNode},
		{name: "both invalid", reading: model.Reading{NodeID: 8, TypeID: 99}, reason: ReasonInvalidType + "; " + ReasonInvalidNode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := new(MockLookup)
			lookup.On("FindTypeByCode", mock.Anything, int64(3)).Return(temperature, nil).Maybe()
			lookup.On("FindTypeByCode", mock.Anything, int64(99)).Return(nil, nil).Maybe()
			lookup.On("FindNodeByID", mock.Anything, int64(7)).Return(active, nil).Maybe()
			lookup.On("FindNodeByID", mock.Anything, int64(8)).Return(inactive, nil).Maybe()
			lookup.On("FindNodeByID", mock.Anything, int64(9)).Return(nil, nil).Maybe()

			v := New(lookup, quietLogger())
			tt.reading.Value = 21.5
			tt.reading.ObservedAt = time.Unix(1700000000, 0)

			res, err := v.Check(context.Background(), tt.reading)
			require.NoError(t, err)
			assert.Equal(t, tt.accepted, res.Accepted())
			assert.Equal(t, tt.reason, res.Reason())
			lookup.AssertExpectations(t)
		})
	}
}

func TestNodeValid_NullNodeSkipsLookup(t *testing.T) {
	lookup := new(MockLookup)
	v := New(lookup, quietLogger())

	ok, err := v.NodeValid(context.Background(), model.NoNode)
	require.NoError(t, err)
	assert.False(t, ok)
	lookup.AssertNotCalled(t, "FindNodeByID", mock.Anything, mock.Anything)
}

func TestCheck_LookupFailure(t *testing.T) {
	boom := errors.New("database is locked")

	lookup := new(MockLookup)
	lookup.On("FindTypeByCode", mock.Anything, int64(3)).Return(&model.MeasurementType{TypeCode: 3}, nil)
	lookup.On("FindNodeByID", mock.Anything, int64(7)).Return(nil, boom)

	_, err := New(lookup, quietLogger()).Check(context.Background(), model.Reading{NodeID: 7, TypeID: 3})
	assert.ErrorIs(t, err, boom)
}
