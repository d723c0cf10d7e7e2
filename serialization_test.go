package goodjob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGlobalID(t *testing.T) {
	gid, ok := ParseGlobalID("gid://myapp/User/123")
	require.True(t, ok)
	assert.Equal(t, "myapp", gid.App)
	assert.Equal(t, "User", gid.Model)
	assert.Equal(t, "123", gid.ID)
	assert.Equal(t, "gid://myapp/User/123", gid.String())
}

func TestParseGlobalIDRejectsMalformed(t *testing.T) {
	_, ok := ParseGlobalID("not-a-gid")
	assert.False(t, ok)
}

func TestDecodeArgumentResolvesGlobalID(t *testing.T) {
	v := map[string]any{"_aj_globalid": "gid://myapp/Account/42"}
	decoded := DecodeArgument(v)
	gid, ok := decoded.(GlobalID)
	require.True(t, ok)
	assert.Equal(t, "Account", gid.Model)
	assert.Equal(t, "42", gid.ID)
}

func TestDecodeArgumentPassesThroughPlainValues(t *testing.T) {
	assert.Equal(t, "hello", DecodeArgument("hello"))
	assert.Equal(t, float64(5), DecodeArgument(float64(5)))
	m := map[string]any{"foo": "bar"}
	assert.Equal(t, m, DecodeArgument(m))
}

func TestBuildAndRoundtripEnvelope(t *testing.T) {
	prio := int16(10)
	env := BuildEnvelope("MyApp::SendEmailJob", "mailers", &prio, nil, nil, nil, "a@example.com", 42)

	raw, err := MarshalEnvelope(env)
	require.NoError(t, err)

	decoded, err := UnmarshalEnvelope(raw)
	require.NoError(t, err)

	assert.Equal(t, "MyApp::SendEmailJob", decoded.JobClass)
	assert.Equal(t, "mailers", decoded.QueueName)
	require.NotNil(t, decoded.Priority)
	assert.EqualValues(t, 10, *decoded.Priority)
	assert.Len(t, decoded.Arguments, 2)
}

func TestUnmarshalEnvelopeIgnoresUnknownFields(t *testing.T) {
	raw := []byte(`{"job_class":"Foo","arguments":[],"queue_name":"default","executions":0,"priority":null,"scheduled_at":null,"locale":null,"timezone":null,"future_peer_field":{"anything":true}}`)
	env, err := UnmarshalEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, "Foo", env.JobClass)
}
