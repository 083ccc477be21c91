package bus

import "time"

// Event is a domain event published on the bus. Kind uses dotted namespaces
// so subscribers can filter by prefix ("health.", "message.", ...).
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine.
const (
	KindPushMessage      = "push.message"       // payload: model.Message
	KindPollCompleted    = "poll.completed"     // payload: PollResult
	KindHealthChanged    = "health.changed"     // payload: health change
	KindTabsChanged      = "tabs.changed"       // payload: active tab id
	KindMessageApplied   = "message.applied"    // payload: model.Message
	KindMessageSendAck   = "message.send_ack"   // payload: map[string]string
	KindMessageSendFail  = "message.send_fail"  // payload: *model.WriteFailedError
	KindTurnStalled      = "turn.stalled"       // payload: conversation id
	KindSessionLoggedOut = "session.logged_out" // payload: user id
)

// PollResult summarizes one completed polling pass.
type PollResult struct {
	Fetched   int
	Recovered int
	Since     int64
}
