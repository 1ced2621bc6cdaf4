package relay

import "time"

// Broker topics. Outbound events and messages are produced on the first
// two; the consumer side drains per-player notifications from the third.
const (
	TopicConnectionEvents   = "connection-events"
	TopicConnectionMessages = "connection-messages"
	TopicUserNotifications  = "user-notifications"
)

// Event names carried on the wire
const (
	EventConnectionCreated         = "connection_created"
	EventPlayerJoined              = "player_joined"
	EventMessageSent               = "message_sent"
	EventNotificationsAcknowledged = "notifications_acknowledged"
	EventUserConnected             = "user_connected"
	EventUserDisconnected          = "user_disconnected"
)

// Event is the outbound wire format for lifecycle and message events
type Event struct {
	Event        string `json:"event"`
	ConnectionID string `json:"connection_id,omitempty"`
	PlayerID     string `json:"player_id,omitempty"`
	MessageID    string `json:"message_id,omitempty"`
	Content      string `json:"content,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// Notification is the inbound wire format on the user-notifications topic
type Notification struct {
	PlayerID string `json:"player_id"`
	Content  string `json:"content"`
}

// ConnectionCreated builds the event for a newly created connection
func ConnectionCreated(connectionID, playerID string) Event {
	return Event{
		Event:        EventConnectionCreated,
		ConnectionID: connectionID,
		PlayerID:     playerID,
		Timestamp:    time.Now().Unix(),
	}
}

// PlayerJoined builds the event for a participant joining by link
func PlayerJoined(connectionID, playerID string) Event {
	return Event{
		Event:        EventPlayerJoined,
		ConnectionID: connectionID,
		PlayerID:     playerID,
		Timestamp:    time.Now().Unix(),
	}
}

// MessageSent builds the event for a relayed message
func MessageSent(connectionID, messageID, playerID, content string, timestamp int64) Event {
	return Event{
		Event:        EventMessageSent,
		ConnectionID: connectionID,
		MessageID:    messageID,
		PlayerID:     playerID,
		Content:      content,
		Timestamp:    timestamp,
	}
}

// NotificationsAcknowledged builds the event for a drained inbox
func NotificationsAcknowledged(playerID string) Event {
	return Event{
		Event:     EventNotificationsAcknowledged,
		PlayerID:  playerID,
		Timestamp: time.Now().Unix(),
	}
}

// UserConnected builds the presence event for a WebSocket attach
func UserConnected(playerID string) Event {
	return Event{
		Event:     EventUserConnected,
		PlayerID:  playerID,
		Timestamp: time.Now().Unix(),
	}
}

// UserDisconnected builds the presence event for a WebSocket detach
func UserDisconnected(playerID string) Event {
	return Event{
		Event:     EventUserDisconnected,
		PlayerID:  playerID,
		Timestamp: time.Now().Unix(),
	}
}
