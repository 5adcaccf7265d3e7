package dataflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	before := time.Now().UnixMilli()
	env, err := NewEnvelope("price.update", map[string]float64{"price": 64250.5})
	require.NoError(t, err)

	assert.NotEmpty(t, env.ID)
	assert.Equal(t, "price.update", env.Type)
	assert.Equal(t, SourceClient, env.Source)
	assert.GreaterOrEqual(t, env.Timestamp, before)
	assert.JSONEq(t, `{"price":64250.5}`, string(env.Payload))
}

func TestNewEnvelopeUnmarshalablePayload(t *testing.T) {
	_, err := NewEnvelope("command", make(chan int))
	assert.Error(t, err)
}

func TestControlEnvelopePayload(t *testing.T) {
	env := newControlEnvelope(TypeSubscribe, "price")
	require.NotNil(t, env)
	assert.Equal(t, TypeSubscribe, env.Type)

	var p channelPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "price", p.Channel)
}

func TestParseEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope("nft.floor", map[string]string{"collection": "punks"})
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)

	got, err := ParseEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.Type, got.Type)
	assert.Equal(t, env.Timestamp, got.Timestamp)
	assert.JSONEq(t, string(env.Payload), string(got.Payload))
}

func TestParseEnvelopeMalformed(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"id":`))
	assert.Error(t, err)
}
