package ingress

import (
	"strings"

	"github.com/example/notifications-engine/internal/models"
	"github.com/example/notifications-engine/internal/util"
)

// HeaderMessageID carries the producer-assigned message identifier.
const HeaderMessageID = "rh-message-id"

// IDStatus describes where the message identifier came from.
type IDStatus string

const (
	IDFromEnvelope IDStatus = "envelope"
	IDFromHeader   IDStatus = "header"
	IDInvalid      IDStatus = "invalid"
	IDMissing      IDStatus = "missing"
)

// MessageID picks the dedup identifier: the envelope id, else a valid UUID v4
// header. Invalid headers are reported and treated as no identifier.
func MessageID(env *models.Envelope, headers map[string][]byte) (string, IDStatus) {
	if env != nil && env.ID != "" {
		return env.ID, IDFromEnvelope
	}
	raw, ok := headers[HeaderMessageID]
	if !ok || strings.TrimSpace(string(raw)) == "" {
		return "", IDMissing
	}
	u, err := util.ParseUUIDv4(string(raw))
	if err != nil {
		return "", IDInvalid
	}
	return u.String(), IDFromHeader
}
