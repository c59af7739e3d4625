package cloud

import (
	"encoding/json"
	"strconv"
)

// PushEndpoint identifies one push-notification capable client of a paired
// user.
type PushEndpoint struct {
	UserID      string
	EndpointID  string
	DisplayName string
}

// TurnCredentials is the opaque ephemeral credential blob handed out by the
// relay service. The hub forwards it verbatim; only "ttl" is interpreted.
type TurnCredentials map[string]any

func marshalEnvelope(body map[string]any) ([]byte, error) {
	return json.Marshal(body)
}

func decodeEnvelope(payload []byte) (map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// replyOutcome normalizes the two reply conventions used by the cloud: a
// top-level "status" integer or a nested "result.code" integer. The message
// is taken from "result.message" when present, "message" otherwise.
func replyOutcome(m map[string]any) (code int, message string) {
	if v, ok := m["status"]; ok {
		code = toInt(v)
	}
	message = toString(m["message"])
	if result, ok := m["result"].(map[string]any); ok {
		if code == 0 {
			code = toInt(result["code"])
		}
		if msg := toString(result["message"]); msg != "" {
			message = msg
		}
	}
	return code, message
}

// parsePairings extracts the paired user ids and their push-notification
// endpoints from a user-listing reply. The endpoint list is a list of
// single-key objects mapping a user id to its endpoint descriptors.
func parsePairings(m map[string]any) (users []string, endpoints []PushEndpoint) {
	rawUsers, _ := m["users"].([]any)
	for _, u := range rawUsers {
		if id := toString(u); id != "" {
			users = append(users, id)
		}
	}

	rawEndpoints, _ := m["pushNotificationsEndpoints"].([]any)
	for _, entry := range rawEndpoints {
		byUser, _ := entry.(map[string]any)
		for userID, rawList := range byUser {
			list, _ := rawList.([]any)
			for _, rawEP := range list {
				ep, _ := rawEP.(map[string]any)
				endpoints = append(endpoints, PushEndpoint{
					UserID:      userID,
					EndpointID:  toString(ep["endpointId"]),
					DisplayName: toString(ep["displayName"]),
				})
			}
		}
	}
	return users, endpoints
}

// parseEndpointNotice extracts the single endpoint announced on the push
// endpoint info topic.
func parseEndpointNotice(m map[string]any) (PushEndpoint, bool) {
	notice, _ := m["newPushNotificationsEndpoint"].(map[string]any)
	for userID, raw := range notice {
		ep, _ := raw.(map[string]any)
		return PushEndpoint{
			UserID:      userID,
			EndpointID:  toString(ep["endpointId"]),
			DisplayName: toString(ep["displayName"]),
		}, true
	}
	return PushEndpoint{}, false
}

// toInt tolerates the numeric representations json.Unmarshal may produce.
func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		i, _ := n.Int64()
		return int(i)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

func toUint64(v any) uint64 {
	switch n := v.(type) {
	case float64:
		return uint64(n)
	case uint64:
		return n
	case string:
		i, _ := strconv.ParseUint(n, 10, 64)
		return i
	default:
		return 0
	}
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}

// stringify renders a scalar reply field as a string, tolerating numeric
// timestamps.
func stringify(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case float64:
		return strconv.FormatInt(int64(n), 10)
	case json.Number:
		return n.String()
	default:
		return ""
	}
}
