package topic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilderTopics(t *testing.T) {
	b := NewBuilder("hub-1234")

	assert.Equal(t, "create/device", b.Registration())
	assert.Equal(t, "create/device/tmp-99", b.RegistrationReply("tmp-99"))
	assert.Equal(t, "hub-1234/device/name", b.Name())
	assert.Equal(t, "hub-1234/device/name/response", b.NameReply())
	assert.Equal(t, "hub-1234/device/users", b.Users())
	assert.Equal(t, "hub-1234/device/users/response", b.UsersReply())
	assert.Equal(t, "hub-1234/pair", b.Pair())
	assert.Equal(t, "hub-1234/pair/response", b.PairReply())
	assert.Equal(t, "hub-1234/notify/user/u1/e1", b.Notify("u1", "e1"))
	assert.Equal(t, "hub-1234/notify/response", b.NotifyReply())
	assert.Equal(t, "hub-1234/notify/info/endpoint", b.NotifyEndpointInfo())
	assert.Equal(t, "hub-1234/services/turn", b.Turn())
	assert.Equal(t, "hub-1234/services/turn/response", b.TurnReply())
	assert.Equal(t, "hub-1234/user-42/#", b.UserWildcard("user-42"))
}

func TestIsRegistrationReply(t *testing.T) {
	b := NewBuilder("hub-1234")

	assert.True(t, b.IsRegistrationReply("create/device/tmp-99"))
	assert.False(t, b.IsRegistrationReply("create/device"))
	assert.False(t, b.IsRegistrationReply("hub-1234/pair/response"))
}

func TestIsRelayConnection(t *testing.T) {
	b := NewBuilder("hub-1234")

	tests := []struct {
		topic string
		want  bool
	}{
		{"hub-1234/eu-west-1:abc/proxy/request", true},
		{"hub-1234/us-east-2:def/x/proxy", true},
		{"hub-1234/eu-west-1:abc/other", false},       // no proxy marker
		{"hub-1234/user-42/proxy", false},             // not account scoped
		{"other-hub/eu-west-1:abc/proxy", false},      // foreign namespace
		{"hub-1234/eu-west-1:abc", false},             // too short
		{"hub-1234/pair/response", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, b.IsRelayConnection(tt.topic), tt.topic)
	}
}
