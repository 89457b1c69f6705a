package chat

// SavedEvent is the payload published to the chat.message.saved subject
// once a message has been persisted and broadcast, so that offline
// notification consumers can pick it up.
type SavedEvent struct {
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`   // "<kind>:<id>"
	Receiver  string `json:"receiver"` // "<kind>:<id>"
	Ts        int64  `json:"ts"`
}

// SavedEventFor summarises msg for downstream consumers. The body is not
// included; subscribers read it from the store.
func SavedEventFor(msg ChatMessage) SavedEvent {
	return SavedEvent{
		MessageID: msg.ID,
		Sender:    msg.Sender.String(),
		Receiver:  msg.Receiver.String(),
		Ts:        msg.CreatedAt.Unix(),
	}
}
