package realtime

// Topic names mirror the channel names clients of the original product
// subscribed to. Emails and uuids both contain dashes, so topics are only
// ever built, never parsed; routing uses the payload fields.

const (
	messagesTopicPrefix = "room-messages-"
	presenceTopicPrefix = "room-presence-"
)

// MessagesTopic names the delivery topic of one participant partition.
func MessagesTopic(roomID, email string) string {
	return messagesTopicPrefix + roomID + "-" + email
}

// PresenceTopic names the presence topic of a room.
func PresenceTopic(roomID string) string {
	return presenceTopicPrefix + roomID
}
