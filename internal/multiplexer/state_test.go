package multiplexer

import "testing"

func TestTopicState_Transitions(t *testing.T) {
	tests := []struct {
		name       string
		from       topicState
		event      topicEvent
		wantState  topicState
		wantAction wireAction
	}{
		// absent
		{"absent subscribe", stateAbsent, eventRequestSubscribe, stateSubscribing, actionSubscribe},
		{"absent unsubscribe", stateAbsent, eventRequestUnsubscribe, stateAbsent, actionNone},
		{"absent stray sub ack", stateAbsent, eventSubscribeAcked, stateAbsent, actionNone},
		{"absent stray unsub ack", stateAbsent, eventUnsubscribeAcked, stateAbsent, actionNone},

		// subscribing
		{"subscribing subscribe", stateSubscribing, eventRequestSubscribe, stateSubscribing, actionNone},
		{"subscribing ack ok", stateSubscribing, eventSubscribeAcked, stateSubscribed, actionNone},
		{"subscribing ack error", stateSubscribing, eventSubscribeFailed, stateAbsent, actionNone},
		{"subscribing unsubscribe", stateSubscribing, eventRequestUnsubscribe, stateSubscribing, actionDefer},
		{"subscribing stray unsub ack", stateSubscribing, eventUnsubscribeAcked, stateSubscribing, actionNone},

		// subscribed
		{"subscribed subscribe", stateSubscribed, eventRequestSubscribe, stateSubscribed, actionNone},
		{"subscribed unsubscribe", stateSubscribed, eventRequestUnsubscribe, stateUnsubscribing, actionUnsubscribe},
		{"subscribed stray sub ack", stateSubscribed, eventSubscribeAcked, stateSubscribed, actionNone},

		// unsubscribing
		{"unsubscribing subscribe", stateUnsubscribing, eventRequestSubscribe, stateUnsubscribing, actionDefer},
		{"unsubscribing unsubscribe", stateUnsubscribing, eventRequestUnsubscribe, stateUnsubscribing, actionNone},
		{"unsubscribing ack ok", stateUnsubscribing, eventUnsubscribeAcked, stateAbsent, actionNone},
		{"unsubscribing ack error", stateUnsubscribing, eventUnsubscribeFailed, stateSubscribed, actionNone},
		{"unsubscribing stray sub ack", stateUnsubscribing, eventSubscribeAcked, stateUnsubscribing, actionNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotState, gotAction := tt.from.on(tt.event)
			if gotState != tt.wantState {
				t.Errorf("%v.on(%v) state = %v, want %v", tt.from, tt.event, gotState, tt.wantState)
			}
			if gotAction != tt.wantAction {
				t.Errorf("%v.on(%v) action = %v, want %v", tt.from, tt.event, gotAction, tt.wantAction)
			}
		})
	}
}

// Every state/event pair must be handled and only a request from a settled
// state may produce a wire request.
func TestTopicState_WireRequestsOnlyFromSettledStates(t *testing.T) {
	states := []topicState{stateAbsent, stateSubscribing, stateSubscribed, stateUnsubscribing}
	events := []topicEvent{
		eventRequestSubscribe, eventRequestUnsubscribe,
		eventSubscribeAcked, eventSubscribeFailed,
		eventUnsubscribeAcked, eventUnsubscribeFailed,
	}

	for _, s := range states {
		for _, e := range events {
			_, action := s.on(e)
			if action != actionSubscribe && action != actionUnsubscribe {
				continue
			}
			if s == stateSubscribing || s == stateUnsubscribing {
				t.Errorf("%v.on(%v) issued %v while a request is in flight", s, e, action)
			}
		}
	}
}

func TestTopicState_String(t *testing.T) {
	if got := stateUnsubscribing.String(); got != "unsubscribing" {
		t.Errorf("String() = %q, want %q", got, "unsubscribing")
	}
	if got := topicState(42).String(); got != "topicState(42)" {
		t.Errorf("String() = %q, want %q", got, "topicState(42)")
	}
}
