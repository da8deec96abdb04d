package microbus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeName(t *testing.T) {
	assert.Equal(t, "orderPlaced", TypeName[orderPlaced]())
	assert.Equal(t, "orderPlaced", TypeName[*orderPlaced]())
	assert.Equal(t, "orderPlaced", TypeName[**orderPlaced]())

	evt := newOrderPlaced("o-1")
	assert.Equal(t, "orderPlaced", TypeNameOf(evt))
	assert.Equal(t, "orderPlaced", TypeNameOf(&evt))
	assert.Equal(t, "", TypeNameOf(nil))

	// Unnamed types fall back to their type literal.
	assert.Equal(t, "[]string", TypeName[[]string]())
}

func TestNewEventBase(t *testing.T) {
	evt := newOrderPlaced("o-1")
	assert.Equal(t, "orderPlaced", evt.MessageType())
	assert.False(t, evt.OccurredAt().IsZero())

	cmd := NewCommandBase[cancelOrder]()
	assert.Equal(t, "cancelOrder", cmd.MessageType())
	assert.False(t, cmd.Timestamp().IsZero())
}

func TestCodecRegistry(t *testing.T) {
	c, err := NewCodec("json")
	require.NoError(t, err)
	assert.Equal(t, "application/json", c.ContentType())

	_, err = NewCodec("msgpack")
	assert.ErrorIs(t, err, ErrUnknownCodec)

	assert.Error(t, RegisterCodec("", func() Codec { return JSONCodec{} }))
	assert.Error(t, RegisterCodec("nil", nil))

	require.NoError(t, RegisterCodec("json-alias", func() Codec { return JSONCodec{} }))
	c, err = NewCodec("json-alias")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())
	assert.Contains(t, Codecs(), "json-alias")
}

func TestJSONCodec_RejectsTrailingData(t *testing.T) {
	var v map[string]any
	require.NoError(t, JSONCodec{}.Unmarshal([]byte(`{"a":1}`+"\n"), &v))
	assert.Error(t, JSONCodec{}.Unmarshal([]byte(`{"a":1}{"b":2}`), &v))
}

func TestDecode(t *testing.T) {
	env := &Envelope{Body: []byte(`{"messageType":"orderPlaced","order_id":"o-7"}`)}
	evt, err := Decode[orderPlaced](JSONCodec{}, env)
	require.NoError(t, err)
	assert.Equal(t, "o-7", evt.OrderID)
	assert.Equal(t, "orderPlaced", evt.MessageType())

	_, err = Decode[orderPlaced](JSONCodec{}, &Envelope{Body: []byte(`[`)})
	assert.ErrorContains(t, err, "decode orderPlaced")
}

func TestErrors(t *testing.T) {
	cause := errors.New("refused")
	te := &TransportError{Op: "publish", Queue: "orderPlaced", Err: cause}
	assert.ErrorIs(t, te, cause)
	assert.Equal(t, `microbus: publish "orderPlaced": refused`, te.Error())

	de := &DispatchError{Event: "orderPlaced", Err: ErrUnknownEventType}
	assert.ErrorIs(t, de, ErrUnknownEventType)
	assert.NotContains(t, de.Error(), " to ")

	de.Handler = "auditHandler"
	assert.Contains(t, de.Error(), "to auditHandler")
}
