package multiplexer

import "fmt"

// topicState is the wire-level state of one topic on the current connection.
type topicState int

const (
	stateAbsent topicState = iota
	stateSubscribing
	stateSubscribed
	stateUnsubscribing
)

func (s topicState) String() string {
	switch s {
	case stateAbsent:
		return "absent"
	case stateSubscribing:
		return "subscribing"
	case stateSubscribed:
		return "subscribed"
	case stateUnsubscribing:
		return "unsubscribing"
	default:
		return fmt.Sprintf("topicState(%d)", int(s))
	}
}

// topicEvent drives a topicState transition.
type topicEvent int

const (
	eventRequestSubscribe topicEvent = iota
	eventRequestUnsubscribe
	eventSubscribeAcked
	eventSubscribeFailed
	eventUnsubscribeAcked
	eventUnsubscribeFailed
)

func (e topicEvent) String() string {
	switch e {
	case eventRequestSubscribe:
		return "request_subscribe"
	case eventRequestUnsubscribe:
		return "request_unsubscribe"
	case eventSubscribeAcked:
		return "subscribe_acked"
	case eventSubscribeFailed:
		return "subscribe_failed"
	case eventUnsubscribeAcked:
		return "unsubscribe_acked"
	case eventUnsubscribeFailed:
		return "unsubscribe_failed"
	default:
		return fmt.Sprintf("topicEvent(%d)", int(e))
	}
}

// wireAction is what the manager must do after a transition.
type wireAction int

const (
	// actionNone: nothing to send.
	actionNone wireAction = iota
	// actionSubscribe: send a wire subscribe for the topic.
	actionSubscribe
	// actionUnsubscribe: send a wire unsubscribe for the topic.
	actionUnsubscribe
	// actionDefer: a request is in flight; re-evaluate when its ack arrives.
	actionDefer
)

func (a wireAction) String() string {
	switch a {
	case actionNone:
		return "none"
	case actionSubscribe:
		return "subscribe"
	case actionUnsubscribe:
		return "unsubscribe"
	case actionDefer:
		return "defer"
	default:
		return fmt.Sprintf("wireAction(%d)", int(a))
	}
}

// on applies event e to state s.
//
// Every (state, event) pair is handled. Acks that cannot belong to the
// current state (for example an unsubscribe ack while absent) leave the
// state unchanged. Only the subscribing and unsubscribing states have a
// request in flight, which is what keeps wire requests for a topic serialised.
func (s topicState) on(e topicEvent) (topicState, wireAction) {
	switch s {
	case stateAbsent:
		switch e {
		case eventRequestSubscribe:
			return stateSubscribing, actionSubscribe
		case eventRequestUnsubscribe,
			eventSubscribeAcked, eventSubscribeFailed,
			eventUnsubscribeAcked, eventUnsubscribeFailed:
			return stateAbsent, actionNone
		}

	case stateSubscribing:
		switch e {
		case eventRequestSubscribe:
			return stateSubscribing, actionNone
		case eventRequestUnsubscribe:
			return stateSubscribing, actionDefer
		case eventSubscribeAcked:
			return stateSubscribed, actionNone
		case eventSubscribeFailed:
			return stateAbsent, actionNone
		case eventUnsubscribeAcked, eventUnsubscribeFailed:
			return stateSubscribing, actionNone
		}

	case stateSubscribed:
		switch e {
		case eventRequestSubscribe:
			return stateSubscribed, actionNone
		case eventRequestUnsubscribe:
			return stateUnsubscribing, actionUnsubscribe
		case eventSubscribeAcked, eventSubscribeFailed,
			eventUnsubscribeAcked, eventUnsubscribeFailed:
			return stateSubscribed, actionNone
		}

	case stateUnsubscribing:
		switch e {
		case eventRequestSubscribe:
			return stateUnsubscribing, actionDefer
		case eventRequestUnsubscribe:
			return stateUnsubscribing, actionNone
		case eventUnsubscribeAcked:
			return stateAbsent, actionNone
		case eventUnsubscribeFailed:
			// The broker still holds the subscription.
			return stateSubscribed, actionNone
		case eventSubscribeAcked, eventSubscribeFailed:
			return stateUnsubscribing, actionNone
		}
	}

	return s, actionNone
}
