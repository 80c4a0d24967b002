package multiplexer

// registry maps topics to their subscriptions in subscription order.
//
// It does no I/O and no locking; the Manager guards it with its own mutex.
// Subscriptions are compared by pointer identity, so the same handler
// function subscribed twice yields two distinct entries.
type registry struct {
	topics map[string][]*Subscription
}

func newRegistry() *registry {
	return &registry{topics: make(map[string][]*Subscription)}
}

// add appends sub to the end of topic's list.
func (r *registry) add(topic string, sub *Subscription) {
	r.topics[topic] = append(r.topics[topic], sub)
}

// remove deletes sub from topic's list. It reports false if sub was not
// registered, which makes repeated removal a no-op.
func (r *registry) remove(topic string, sub *Subscription) bool {
	subs := r.topics[topic]
	for i, s := range subs {
		if s != sub {
			continue
		}
		if len(subs) == 1 {
			delete(r.topics, topic)
			return true
		}
		copy(subs[i:], subs[i+1:])
		subs[len(subs)-1] = nil
		r.topics[topic] = subs[:len(subs)-1]
		return true
	}
	return false
}

// callbacksFor returns a snapshot of topic's subscriptions in order.
func (r *registry) callbacksFor(topic string) []*Subscription {
	subs := r.topics[topic]
	if len(subs) == 0 {
		return nil
	}
	out := make([]*Subscription, len(subs))
	copy(out, subs)
	return out
}

// isEmpty reports whether topic has no subscriptions.
func (r *registry) isEmpty(topic string) bool {
	return len(r.topics[topic]) == 0
}

// activeTopics returns every topic with at least one subscription.
func (r *registry) activeTopics() []string {
	out := make([]string, 0, len(r.topics))
	for topic := range r.topics {
		out = append(out, topic)
	}
	return out
}
