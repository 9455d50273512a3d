package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceMeta_Normalize(t *testing.T) {
	got := PresenceMeta{UserID: " u1 ", Role: "admin", Color: "red"}.Normalize()
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, DefaultUserName, got.UserName)
	assert.Equal(t, RoleGuest, got.Role)
	assert.Equal(t, ColorFor("u1"), got.Color)

	host := PresenceMeta{UserID: "u2", UserName: "Bo", Role: RoleHost, Color: "#0a0B0c"}.Normalize()
	assert.Equal(t, RoleHost, host.Role)
	assert.Equal(t, "#0a0B0c", host.Color)
	assert.Equal(t, "Bo", host.UserName)
}

func TestColorFor_Stable(t *testing.T) {
	assert.Equal(t, ColorFor("alice"), ColorFor("alice"))
	assert.Contains(t, participantColors, ColorFor("bob"))
}

func TestEnvelope_Payload(t *testing.T) {
	env := &Envelope{SenderID: "a", MessageType: MessageTypeSync}
	env.EncodePayload([]byte{0x00, 0xff, '{'})
	assert.True(t, env.IsBroadcast())

	data, err := env.DecodePayload()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xff, '{'}, data)

	env.Payload = "%%%"
	_, err = env.DecodePayload()
	assert.Error(t, err)
}
