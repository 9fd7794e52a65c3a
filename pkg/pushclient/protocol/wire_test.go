package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestEventWireForm(t *testing.T) {
	t.Run("update keeps unchanged markers and nulls", func(t *testing.T) {
		in := Update{SubID: 3, Item: 2, Values: []FieldValue{
			{Value: strPtr("10.5")},
			{Unchanged: true},
			{},
		}}

		data, err := EncodeEvent(in)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"k":"u"`)

		out, err := DecodeEvent(data)
		require.NoError(t, err)
		update, ok := out.(Update)
		require.True(t, ok)
		assert.Equal(t, 3, update.SubID)
		assert.Equal(t, 2, update.Item)
		require.Len(t, update.Values, 3)
		assert.Equal(t, "10.5", *update.Values[0].Value)
		assert.True(t, update.Values[1].Unchanged)
		assert.False(t, update.Values[2].Unchanged)
		assert.Nil(t, update.Values[2].Value)
	})

	t.Run("session created carries negotiated values", func(t *testing.T) {
		data, err := EncodeEvent(SessionCreated{SessionID: "S1", KeepaliveInterval: 5 * time.Second, ContentLength: 1000})
		require.NoError(t, err)

		out, err := DecodeEvent(data)
		require.NoError(t, err)
		assert.Equal(t, SessionCreated{SessionID: "S1", KeepaliveInterval: 5 * time.Second, ContentLength: 1000}, out)
	})

	t.Run("empty body", func(t *testing.T) {
		out, err := DecodeEvent([]byte(`{"k":"probe"}`))
		require.NoError(t, err)
		assert.Equal(t, Keepalive{}, out)
	})

	t.Run("local conditions have no wire form", func(t *testing.T) {
		_, err := EncodeEvent(Closed{})
		assert.Error(t, err)
		_, err = EncodeEvent(ParseError{})
		assert.Error(t, err)
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := DecodeEvent([]byte(`{"k":"bogus"}`))
		assert.Error(t, err)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := DecodeEvent([]byte(`{"k":`))
		assert.Error(t, err)
	})
}

func TestRequestWireForm(t *testing.T) {
	in := Subscribe{
		SubID:        7,
		Mode:         "COMMAND",
		Items:        []string{"portfolio1"},
		Fields:       []string{"key", "command", "qty"},
		Snapshot:     "yes",
		MaxFrequency: "unfiltered",
	}

	data, err := EncodeRequest(in)
	require.NoError(t, err)

	out, err := DecodeRequest(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	msg, err := EncodeRequest(SendMessage{Sequence: "S", Prog: 1, Text: "hello"})
	require.NoError(t, err)
	decoded, err := DecodeRequest(msg)
	require.NoError(t, err)
	assert.Equal(t, SendMessage{Sequence: "S", Prog: 1, Text: "hello"}, decoded)

	_, err = EncodeRequest(nil)
	assert.Error(t, err)
}
