package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecords(t *testing.T) {
	t.Run("bare array", func(t *testing.T) {
		recs, err := ParseRecords(Camp, []byte(`[{"uid":"c1","name":"Foo"},{"uid":"c2"}]`))
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "c1", recs[0].UID())
		assert.Equal(t, "Foo", recs[0].String("name"))
	})

	t.Run("data envelope", func(t *testing.T) {
		recs, err := ParseRecords(Art, []byte(`{"data":[{"uid":"a1"}],"total":1}`))
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "a1", recs[0].UID())
	})

	t.Run("type envelope", func(t *testing.T) {
		recs, err := ParseRecords(Event, []byte(`{"event":[{"uid":"e1"},{"uid":"e2"}]}`))
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("plural type envelope", func(t *testing.T) {
		recs, err := ParseRecords(Camp, []byte(`{"camps":[{"uid":"c1"}]}`))
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})

	t.Run("empty array is valid", func(t *testing.T) {
		recs, err := ParseRecords(Camp, []byte(` [] `))
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("numbers keep precision", func(t *testing.T) {
		recs, err := ParseRecords(Camp, []byte(`[{"uid":"c1","year":"2024","id":12345678901234567}]`))
		require.NoError(t, err)
		year, ok := recs[0].Year()
		assert.True(t, ok)
		assert.Equal(t, 2024, year)
		assert.Equal(t, json.Number("12345678901234567"), recs[0]["id"])
	})

	failures := map[string]string{
		"unknown envelope": `{"items":[{"uid":"c1"}]}`,
		"data not array":   `{"data":{"uid":"c1"}}`,
		"scalar":           `42`,
		"empty body":       ``,
		"invalid json":     `[{"uid":`,
		"non-object item":  `[{"uid":"c1"}, 7]`,
	}
	for name, body := range failures {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRecords(Camp, []byte(body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrData))
			assert.Equal(t, KindData, KindOf(err))
		})
	}
}

func TestParseRecordType(t *testing.T) {
	for in, want := range map[string]RecordType{"camp": Camp, "Camps": Camp, "art": Art, "events": Event} {
		got, err := ParseRecordType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseRecordType("vehicle")
	assert.Error(t, err)

	assert.Equal(t, "camps", Camp.FileName())
	assert.Equal(t, "art", Art.FileName())
	assert.Equal(t, "events", Event.FileName())
}

func TestError_KindMatching(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewError(KindNetwork, "fetch camp 2025", "", cause)

	assert.True(t, errors.Is(err, ErrNetwork))
	assert.False(t, errors.Is(err, ErrNoData))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindNetwork, KindOf(err))
	assert.Equal(t, userMessages[KindNetwork], UserMessage(err))
	assert.Contains(t, err.Error(), "NETWORK_ERROR")
	assert.Contains(t, err.Error(), "connection refused")

	custom := NewError(KindNoData, "no 2099 art", "No 2099 art data available yet.", nil)
	assert.Equal(t, "No 2099 art data available yet.", UserMessage(custom))

	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, "Something went wrong. Please try again.", UserMessage(errors.New("plain")))
}
