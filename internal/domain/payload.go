package domain

import "encoding/json"

// NotificationData is the payload attached to every notification.
type NotificationData struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
}

// Raw encodes the payload for storage.
func (d NotificationData) Raw() json.RawMessage {
	b, _ := json.Marshal(d)
	return b
}

// ParseNotificationData decodes a stored payload. Unknown fields are ignored.
func ParseNotificationData(raw json.RawMessage) (NotificationData, error) {
	var d NotificationData
	if len(raw) == 0 {
		return d, nil
	}
	err := json.Unmarshal(raw, &d)
	return d, err
}
