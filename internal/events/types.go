package events

import "time"

// Topics published on the bus.
const (
	TopicOrderFilled   = "order.filled"
	TopicOrderFailed   = "order.failed"
	TopicBotStarted    = "bot.started"
	TopicBotStopped    = "bot.stopped"
	TopicBotAutoStop   = "bot.autostop"
	TopicPositionOpen  = "position.opened"
	TopicPositionClose = "position.closed"
	TopicRiskTriggered = "risk.triggered"
)

// Event is one bus message. Payload contents depend on the topic.
type Event struct {
	Topic   string
	UserID  string
	BotID   string
	At      time.Time
	Payload map[string]any
}
