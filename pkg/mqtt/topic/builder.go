// Package topic centralizes the topic layout of the cloud relay namespace.
// Everything except the registration pair lives under the per-client
// namespace {clientID}/...; changing these values breaks the broker contract.
package topic

import (
	"fmt"
	"strings"
)

const (
	// registrationRoot is the only namespace reachable before the broker
	// knows this client. The reply arrives on registrationRoot/{tempID}.
	registrationRoot = "create/device"

	// proxyMarker tags relay-connection brokering topics.
	proxyMarker = "proxy"
)

// Builder constructs the topic strings for one client namespace.
type Builder struct {
	clientID string
}

// NewBuilder creates a Builder for the given client identifier.
func NewBuilder(clientID string) *Builder {
	return &Builder{clientID: clientID}
}

// Registration returns the topic the registration request is published to.
func (b *Builder) Registration() string {
	return registrationRoot
}

// RegistrationReply returns the per-attempt reply topic keyed by the random
// temporary id, so the pre-trust exchange never exposes the real client id.
func (b *Builder) RegistrationReply(tempID string) string {
	return fmt.Sprintf("%s/%s", registrationRoot, tempID)
}

// IsRegistrationReply reports whether topic is a registration reply.
func (b *Builder) IsRegistrationReply(topic string) bool {
	return strings.HasPrefix(topic, registrationRoot+"/")
}

// Name returns the display-name update request topic.
func (b *Builder) Name() string {
	return fmt.Sprintf("%s/device/name", b.clientID)
}

// NameReply returns the display-name update reply topic.
func (b *Builder) NameReply() string {
	return b.Name() + "/response"
}

// Users returns the paired-user listing request topic.
func (b *Builder) Users() string {
	return fmt.Sprintf("%s/device/users", b.clientID)
}

// UsersReply returns the paired-user listing reply topic.
func (b *Builder) UsersReply() string {
	return b.Users() + "/response"
}

// Pair returns the pairing request topic.
func (b *Builder) Pair() string {
	return fmt.Sprintf("%s/pair", b.clientID)
}

// PairReply returns the pairing reply topic.
func (b *Builder) PairReply() string {
	return b.Pair() + "/response"
}

// Notify returns the push-notification topic scoped by user and endpoint.
func (b *Builder) Notify(userID, endpointID string) string {
	return fmt.Sprintf("%s/notify/user/%s/%s", b.clientID, userID, endpointID)
}

// NotifyReply returns the shared push-notification reply topic.
func (b *Builder) NotifyReply() string {
	return fmt.Sprintf("%s/notify/response", b.clientID)
}

// NotifyEndpointInfo returns the topic announcing new push endpoints.
func (b *Builder) NotifyEndpointInfo() string {
	return fmt.Sprintf("%s/notify/info/endpoint", b.clientID)
}

// Turn returns the TURN credential request topic.
func (b *Builder) Turn() string {
	return fmt.Sprintf("%s/services/turn", b.clientID)
}

// TurnReply returns the TURN credential reply topic.
func (b *Builder) TurnReply() string {
	return b.Turn() + "/response"
}

// UserWildcard returns the multi-level wildcard covering every topic
// addressed to one paired user.
func (b *Builder) UserWildcard(userID string) string {
	return fmt.Sprintf("%s/%s/#", b.clientID, userID)
}

// IsRelayConnection reports whether topic is a relay-connection brokering
// request: inside this client's namespace, with an account-scoped second
// segment and a proxy marker.
func (b *Builder) IsRelayConnection(topic string) bool {
	if !strings.HasPrefix(topic, b.clientID+"/") {
		return false
	}
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || !strings.Contains(parts[1], ":") {
		return false
	}
	return strings.Contains(topic, proxyMarker)
}
