package wsevents

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeMarshalJSON_FlattensPayload(t *testing.T) {
	env := Envelope{Type: "ct", Data: ChatToken{Text: "hello", MessageID: "m1"}}

	out, err := json.Marshal(env)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &fields))

	assert.Equal(t, "ct", fields["type"])
	assert.Equal(t, "hello", fields["t"])
	assert.Equal(t, "m1", fields["mid"])
}

func TestEnvelopeMarshalJSON_NoPayloadFields(t *testing.T) {
	env := Envelope{Type: "rc", Data: ReasoningComplete{}}

	out, err := json.Marshal(env)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &fields))

	assert.Equal(t, "rc", fields["type"])
	assert.Len(t, fields, 1)
}

func TestEnvelopeMarshalJSON_NilData(t *testing.T) {
	env := Envelope{Type: "rc"}

	out, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"rc"}`, string(out))
}
