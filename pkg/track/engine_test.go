package track

import (
	"testing"

	"github.com/fortyfive-labs/dreamlake-go/pkg/dlerrors"
	"github.com/fortyfive-labs/dreamlake-go/pkg/dltypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTimestampAbsentUsesNow(t *testing.T) {
	ts, err := ResolveTimestamp(nil, nil, 123.5)
	require.NoError(t, err)
	assert.Equal(t, 123.5, ts)
}

func TestResolveTimestampFiniteNumberPassesThrough(t *testing.T) {
	ts, err := ResolveTimestamp(42.0, nil, 1.0)
	require.NoError(t, err)
	assert.Equal(t, 42.0, ts)
}

func TestResolveTimestampInheritsLast(t *testing.T) {
	last := 7.5
	ts, err := ResolveTimestamp(InheritTimestamp, &last, 99.0)
	require.NoError(t, err)
	assert.Equal(t, 7.5, ts)
}

func TestResolveTimestampInheritWithoutPriorFails(t *testing.T) {
	_, err := ResolveTimestamp(InheritTimestamp, nil, 99.0)
	assert.True(t, dlerrors.Is(err, dlerrors.BadInput))
}

func TestResolveTimestampNonNumericFails(t *testing.T) {
	_, err := ResolveTimestamp("yesterday", nil, 1.0)
	assert.True(t, dlerrors.Is(err, dlerrors.BadInput))
}

func TestMergeByTimestampCollapsesGroupsLaterWins(t *testing.T) {
	points := []dltypes.DataPoint{
		{Ts: 1.0, Fields: map[string]any{"q": []any{0.1, 0.2}}},
		{Ts: 1.0, Fields: map[string]any{"v": []any{0.01, 0.02}}},
		{Ts: 1.0, Fields: map[string]any{"e": []any{0.5, 0.6, 0.7}}},
	}

	merged := MergeByTimestamp(points)

	require.Len(t, merged, 1)
	assert.Equal(t, 1.0, merged[0].Ts)
	assert.Equal(t, []any{0.1, 0.2}, merged[0].Fields["q"])
	assert.Equal(t, []any{0.01, 0.02}, merged[0].Fields["v"])
	assert.Equal(t, []any{0.5, 0.6, 0.7}, merged[0].Fields["e"])
}

func TestMergeByTimestampPreservesFirstAppearanceOrder(t *testing.T) {
	points := []dltypes.DataPoint{
		{Ts: 2.0, Fields: map[string]any{"a": 1}},
		{Ts: 1.0, Fields: map[string]any{"b": 2}},
		{Ts: 2.0, Fields: map[string]any{"a": 3}},
	}

	merged := MergeByTimestamp(points)

	require.Len(t, merged, 2)
	assert.Equal(t, 2.0, merged[0].Ts)
	assert.Equal(t, 3, merged[0].Fields["a"])
	assert.Equal(t, 1.0, merged[1].Ts)
}

func TestEncodeSinglePointIsRow(t *testing.T) {
	rec := Encode([]dltypes.DataPoint{{Ts: 1.0, Fields: map[string]any{"value": 0.5}}})

	require.NotNil(t, rec)
	assert.Nil(t, rec.Columns)
	assert.Equal(t, 1.0, rec.Row["_ts"])
	assert.Equal(t, 0.5, rec.Row["value"])
}

func TestEncodeMultiplePointsIsOneColumnarBlock(t *testing.T) {
	rec := Encode([]dltypes.DataPoint{
		{Ts: 1.0, Fields: map[string]any{"v": 10}},
		{Ts: 2.0, Fields: map[string]any{"v": 20}},
		{Ts: 3.0, Fields: map[string]any{"v": 30}},
	})

	require.NotNil(t, rec)
	require.Nil(t, rec.Row)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, rec.Columns["_ts"])
	assert.Equal(t, []any{10, 20, 30}, rec.Columns["v"])
}

func TestEncodeFillsMissingFieldsWithNil(t *testing.T) {
	rec := Encode([]dltypes.DataPoint{
		{Ts: 1.0, Fields: map[string]any{"width": 640}},
		{Ts: 2.0, Fields: map[string]any{"height": 480}},
	})

	require.NotNil(t, rec)
	assert.Equal(t, []any{640, nil}, rec.Columns["width"])
	assert.Equal(t, []any{nil, 480}, rec.Columns["height"])
}

func TestEncodeEmptyReturnsNil(t *testing.T) {
	assert.Nil(t, Encode(nil))
}
