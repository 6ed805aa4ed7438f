package amqp

import (
	"encoding/json"
	"errors"
	"time"
)

// EntrySyncMessage announces an outbox entry waiting to be forwarded to the
// history service. The worker reads the entry itself from the outbox.
type EntrySyncMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewEntrySyncMessage(id, userID string) *EntrySyncMessage {
	return &EntrySyncMessage{
		ID:        id,
		UserID:    userID,
		Timestamp: time.Now(),
	}
}

func (m *EntrySyncMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// EntrySyncMessageFromJSON rejects messages without an entry id.
func EntrySyncMessageFromJSON(data []byte) (*EntrySyncMessage, error) {
	var msg EntrySyncMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, errors.New("entry sync message without id")
	}
	return &msg, nil
}
