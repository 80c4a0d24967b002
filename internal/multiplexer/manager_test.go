package multiplexer_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/esg-core/internal/multiplexer"
	"github.com/nerrad567/esg-core/internal/multiplexer/multiplexertest"
)

// inbox records handler invocations in order.
type inbox struct {
	mu  sync.Mutex
	got []string
}

func (b *inbox) handler(name string) multiplexer.MessageHandler {
	return func(topic string, payload []byte) {
		b.mu.Lock()
		b.got = append(b.got, name+":"+topic+":"+string(payload))
		b.mu.Unlock()
	}
}

func (b *inbox) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.got...)
}

func assertMessages(t *testing.T, b *inbox, want ...string) {
	t.Helper()
	got := b.messages()
	if len(got) != len(want) {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("messages = %v, want %v", got, want)
		}
	}
}

func assertCount(t *testing.T, c *multiplexertest.FakeClient, op, topic string, want int) {
	t.Helper()
	if got := c.Count(op, topic); got != want {
		t.Errorf("%s %q count = %d, want %d (calls: %v)", op, topic, got, want, c.Calls())
	}
}

func newManager(t *testing.T) (*multiplexer.Manager, *multiplexertest.FakeClient, *multiplexertest.ManualRunner) {
	t.Helper()
	client := multiplexertest.NewFakeClient()
	runner := multiplexertest.NewManualRunner()
	m := multiplexer.New(client.Factory(), runner)
	t.Cleanup(func() { _ = m.Close() })
	return m, client, runner
}

func mustSubscribe(t *testing.T, m *multiplexer.Manager, topic string, h multiplexer.MessageHandler) *multiplexer.Subscription {
	t.Helper()
	sub, err := m.Subscribe(topic, h)
	if err != nil {
		t.Fatalf("Subscribe(%q) error = %v", topic, err)
	}
	return sub
}

func TestManager_EndToEnd(t *testing.T) {
	m, client, _ := newManager(t)
	box := &inbox{}

	sub := mustSubscribe(t, m, "t1", box.handler("cb"))
	if n := len(client.Calls()); n != 0 {
		t.Fatalf("wire calls before connect = %d, want 0", n)
	}

	client.FireConnect()
	assertCount(t, client, multiplexertest.OpSubscribe, "t1", 1)

	client.FireMessage("t1", []byte("payload"))
	assertMessages(t, box, "cb:t1:payload")

	sub.Unsubscribe()
	assertCount(t, client, multiplexertest.OpUnsubscribe, "t1", 1)
}

func TestManager_OneWireSubscribePerTopicOnConnect(t *testing.T) {
	m, client, _ := newManager(t)
	box := &inbox{}

	for i := range 3 {
		mustSubscribe(t, m, "t1", box.handler(fmt.Sprintf("a%d", i)))
	}
	mustSubscribe(t, m, "t2", box.handler("b"))
	gone := mustSubscribe(t, m, "t3", box.handler("c"))
	gone.Unsubscribe()

	client.FireConnect()

	assertCount(t, client, multiplexertest.OpSubscribe, "t1", 1)
	assertCount(t, client, multiplexertest.OpSubscribe, "t2", 1)
	assertCount(t, client, multiplexertest.OpSubscribe, "t3", 0)
	if n := len(client.Calls()); n != 2 {
		t.Errorf("wire calls = %v, want 2", client.Calls())
	}
	// Sorted topic order on connect.
	calls := client.Calls()
	if calls[0].Topic != "t1" || calls[1].Topic != "t2" {
		t.Errorf("connect subscribe order = %v, want [t1 t2]", calls)
	}
}

func TestManager_ClientCreatedOnce(t *testing.T) {
	m, client, _ := newManager(t)
	box := &inbox{}

	var subs []*multiplexer.Subscription
	for i := range 5 {
		subs = append(subs, mustSubscribe(t, m, fmt.Sprintf("t%d", i), box.handler("x")))
	}
	client.FireConnect()
	for _, s := range subs {
		s.Unsubscribe()
	}
	mustSubscribe(t, m, "t0", box.handler("y"))

	if n := client.FactoryCalls(); n != 1 {
		t.Errorf("FactoryCalls() = %d, want 1", n)
	}
	if n := client.ConnectCalls(); n != 1 {
		t.Errorf("ConnectCalls() = %d, want 1", n)
	}
}

func TestManager_DeliveryOrderAndScope(t *testing.T) {
	m, client, _ := newManager(t)
	box := &inbox{}

	mustSubscribe(t, m, "t1", box.handler("first"))
	mustSubscribe(t, m, "t2", box.handler("other"))
	mustSubscribe(t, m, "t1", box.handler("second"))
	client.FireConnect()

	client.FireMessage("t1", []byte("m1"))
	client.FireMessage("unknown", []byte("m2"))

	assertMessages(t, box, "first:t1:m1", "second:t1:m1")
}

func TestManager_SameHandlerTwiceIsTwoSubscriptions(t *testing.T) {
	m, client, _ := newManager(t)
	box := &inbox{}
	h := box.handler("h")

	s1 := mustSubscribe(t, m, "t1", h)
	mustSubscribe(t, m, "t1", h)
	client.FireConnect()

	client.FireMessage("t1", []byte("a"))
	s1.Unsubscribe()
	client.FireMessage("t1", []byte("b"))

	assertMessages(t, box, "h:t1:a", "h:t1:a", "h:t1:b")
	assertCount(t, client, multiplexertest.OpUnsubscribe, "t1", 0)
}

func TestManager_ReferenceCounting(t *testing.T) {
	m, client, _ := newManager(t)
	box := &inbox{}
	client.FireConnect()

	a := mustSubscribe(t, m, "t1", box.handler("a"))
	b := mustSubscribe(t, m, "t1", box.handler("b"))
	assertCount(t, client, multiplexertest.OpSubscribe, "t1", 1)

	a.Unsubscribe()
	assertCount(t, client, multiplexertest.OpUnsubscribe, "t1", 0)

	client.FireMessage("t1", []byte("m"))
	assertMessages(t, box, "b:t1:m")

	b.Unsubscribe()
	assertCount(t, client, multiplexertest.OpUnsubscribe, "t1", 1)
}

func TestManager_UnsubscribeIsIdempotent(t *testing.T) {
	m, client, _ := newManager(t)
	box := &inbox{}
	client.FireConnect()

	a := mustSubscribe(t, m, "t1", box.handler("a"))
	b := mustSubscribe(t, m, "t1", box.handler("b"))

	a.Unsubscribe()
	a.Unsubscribe()
	assertCount(t, client, multiplexertest.OpUnsubscribe, "t1", 0)

	client.FireMessage("t1", []byte("m"))
	assertMessages(t, box, "b:t1:m")

	b.Unsubscribe()
	b.Unsubscribe()
	assertCount(t, client, multiplexertest.OpUnsubscribe, "t1", 1)
}

func TestManager_CoalescesIntoOnePass(t *testing.T) {
	m, client, runner := newManager(t)
	box := &inbox{}
	client.FireConnect()

	runner.Pause()
	mustSubscribe(t, m, "t3", box.handler("x"))
	s4 := mustSubscribe(t, m, "t4", box.handler("x"))
	s5 := mustSubscribe(t, m, "t5", box.handler("x"))
	s4.Unsubscribe()
	s5.Unsubscribe()

	if n := runner.Pending(); n != 1 {
		t.Errorf("pending passes = %d, want 1", n)
	}
	if n := len(client.Calls()); n != 0 {
		t.Fatalf("wire calls before pass = %v", client.Calls())
	}

	runner.Flush()

	calls := client.Calls()
	if len(calls) != 1 || calls[0] != (multiplexertest.Call{Op: multiplexertest.OpSubscribe, Topic: "t3"}) {
		t.Errorf("wire calls = %v, want [subscribe t3]", calls)
	}
}

func TestManager_UnsubscribeWhileSubscribingIsDeferred(t *testing.T) {
	m, client, _ := newManager(t)
	client.SetAutoAck(false)
	client.FireConnect()

	sub := mustSubscribe(t, m, "t1", (&inbox{}).handler("x"))
	assertCount(t, client, multiplexertest.OpSubscribe, "t1", 1)

	sub.Unsubscribe()
	assertCount(t, client, multiplexertest.OpUnsubscribe, "t1", 0)

	if !client.AckSubscribe("t1", nil) {
		t.Fatal("no pending subscribe for t1")
	}
	assertCount(t, client, multiplexertest.OpUnsubscribe, "t1", 1)

	if !client.AckUnsubscribe("t1", nil) {
		t.Fatal("no pending unsubscribe for t1")
	}
	if n := len(client.Calls()); n != 2 {
		t.Errorf("wire calls = %v, want 2", client.Calls())
	}
}

func TestManager_ResubscribeWhileUnsubscribingIsDeferred(t *testing.T) {
	m, client, _ := newManager(t)
	client.SetAutoAck(false)
	client.FireConnect()
	box := &inbox{}

	first := mustSubscribe(t, m, "t1", box.handler("first"))
	client.AckSubscribe("t1", nil)
	first.Unsubscribe()
	assertCount(t, client, multiplexertest.OpUnsubscribe, "t1", 1)

	mustSubscribe(t, m, "t1", box.handler("second"))
	assertCount(t, client, multiplexertest.OpSubscribe, "t1", 1)

	client.AckUnsubscribe("t1", nil)
	assertCount(t, client, multiplexertest.OpSubscribe, "t1", 2)

	client.AckSubscribe("t1", nil)
	client.FireMessage("t1", []byte("m"))
	assertMessages(t, box, "second:t1:m")
}

func TestManager_SubscribeAckFailureIsNotRetried(t *testing.T) {
	m, client, _ := newManager(t)
	client.SetAutoAck(false)
	client.FireConnect()
	box := &inbox{}

	mustSubscribe(t, m, "t1", box.handler("a"))
	client.AckSubscribe("t1", errors.New("not authorized"))
	assertCount(t, client, multiplexertest.OpSubscribe, "t1", 1)

	// A later subscribe starts from absent again.
	mustSubscribe(t, m, "t1", box.handler("b"))
	assertCount(t, client, multiplexertest.OpSubscribe, "t1", 2)
}

func TestManager_UnsubscribeAckFailureKeepsSubscribed(t *testing.T) {
	m, client, _ := newManager(t)
	client.SetAutoAck(false)
	client.FireConnect()
	box := &inbox{}

	first := mustSubscribe(t, m, "t1", box.handler("a"))
	client.AckSubscribe("t1", nil)
	first.Unsubscribe()
	client.AckUnsubscribe("t1", errors.New("timeout"))
	assertCount(t, client, multiplexertest.OpUnsubscribe, "t1", 1)

	// Still subscribed on the broker: a new subscription needs no wire request.
	second := mustSubscribe(t, m, "t1", box.handler("b"))
	assertCount(t, client, multiplexertest.OpSubscribe, "t1", 1)

	second.Unsubscribe()
	assertCount(t, client, multiplexertest.OpUnsubscribe, "t1", 2)
}

func TestManager_ReconnectResubscribesActiveTopics(t *testing.T) {
	m, client, _ := newManager(t)
	box := &inbox{}

	mustSubscribe(t, m, "t1", box.handler("a"))
	t2 := mustSubscribe(t, m, "t2", box.handler("b"))
	client.FireConnect()

	client.FireConnectionLost(errors.New("broker went away"))
	t2.Unsubscribe()
	mustSubscribe(t, m, "t3", box.handler("c"))
	if n := len(client.Calls()); n != 2 {
		t.Fatalf("wire calls while disconnected = %v", client.Calls())
	}

	client.FireConnect()
	assertCount(t, client, multiplexertest.OpSubscribe, "t1", 2)
	assertCount(t, client, multiplexertest.OpSubscribe, "t2", 1)
	assertCount(t, client, multiplexertest.OpSubscribe, "t3", 1)
	assertCount(t, client, multiplexertest.OpUnsubscribe, "t2", 0)
}

func TestManager_StaleAckIgnoredAfterReconnect(t *testing.T) {
	m, client, _ := newManager(t)
	client.SetAutoAck(false)
	client.FireConnect()

	sub := mustSubscribe(t, m, "t1", (&inbox{}).handler("x"))
	client.FireConnectionLost(errors.New("reset"))
	client.FireConnect()
	assertCount(t, client, multiplexertest.OpSubscribe, "t1", 2)

	// The first ack belongs to the old connection and must not move t1 to absent.
	client.AckSubscribe("t1", errors.New("stale failure"))
	client.AckSubscribe("t1", nil)

	sub.Unsubscribe()
	assertCount(t, client, multiplexertest.OpUnsubscribe, "t1", 1)
}

func TestManager_SubscribeValidation(t *testing.T) {
	m, client, _ := newManager(t)

	if _, err := m.Subscribe("", func(string, []byte) {}); !errors.Is(err, multiplexer.ErrInvalidTopic) {
		t.Errorf("Subscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if _, err := m.Subscribe("t1", nil); !errors.Is(err, multiplexer.ErrNilHandler) {
		t.Errorf("Subscribe(nil handler) error = %v, want ErrNilHandler", err)
	}
	if n := client.FactoryCalls(); n != 0 {
		t.Errorf("FactoryCalls() = %d after invalid subscribes, want 0", n)
	}
}

func TestManager_FactoryFailure(t *testing.T) {
	calls := 0
	factoryErr := errors.New("bad broker url")
	m := multiplexer.New(func() (multiplexer.Client, error) {
		calls++
		return nil, factoryErr
	}, nil)

	_, err := m.Subscribe("t1", func(string, []byte) {})
	if !errors.Is(err, multiplexer.ErrClientFactory) || !errors.Is(err, factoryErr) {
		t.Fatalf("Subscribe() error = %v, want ErrClientFactory wrapping cause", err)
	}

	_, err = m.Subscribe("t2", func(string, []byte) {})
	if !errors.Is(err, multiplexer.ErrClientFactory) {
		t.Errorf("second Subscribe() error = %v, want ErrClientFactory", err)
	}
	if calls != 1 {
		t.Errorf("factory calls = %d, want 1", calls)
	}
}

func TestManager_NilFactory(t *testing.T) {
	m := multiplexer.New(nil, nil)
	if _, err := m.Subscribe("t1", func(string, []byte) {}); !errors.Is(err, multiplexer.ErrClientFactory) {
		t.Errorf("Subscribe() error = %v, want ErrClientFactory", err)
	}
}

func TestManager_ConnectFailure(t *testing.T) {
	m, client, _ := newManager(t)
	connectErr := errors.New("connection refused")
	client.SetConnectError(connectErr)

	_, err := m.Subscribe("t1", func(string, []byte) {})
	if !errors.Is(err, multiplexer.ErrClientFactory) || !errors.Is(err, connectErr) {
		t.Fatalf("Subscribe() error = %v, want ErrClientFactory wrapping cause", err)
	}

	client.SetConnectError(nil)
	if _, err := m.Subscribe("t1", func(string, []byte) {}); err == nil {
		t.Error("Subscribe() after connect failure succeeded, want error")
	}
	if n := client.FactoryCalls(); n != 1 {
		t.Errorf("FactoryCalls() = %d, want 1", n)
	}
}

type subscribeResult struct {
	sub *multiplexer.Subscription
	err error
}

func subscribeAsync(m *multiplexer.Manager, topic string) <-chan subscribeResult {
	out := make(chan subscribeResult, 1)
	go func() {
		sub, err := m.Subscribe(topic, func(string, []byte) {})
		out <- subscribeResult{sub, err}
	}()
	return out
}

func waitForConnectCalls(t *testing.T, c *multiplexertest.FakeClient, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.ConnectCalls() < want {
		if time.Now().After(deadline) {
			t.Fatalf("ConnectCalls() = %d, want %d", c.ConnectCalls(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestManager_SubscribeWaitsForPendingConnect(t *testing.T) {
	tests := []struct {
		name       string
		connectErr error
	}{
		{"connect succeeds", nil},
		{"connect fails", errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, client, _ := newManager(t)
			gate := make(chan struct{})
			client.SetConnectGate(gate)
			client.SetConnectError(tt.connectErr)

			first := subscribeAsync(m, "a")
			waitForConnectCalls(t, client, 1)
			second := subscribeAsync(m, "b")

			select {
			case res := <-second:
				t.Fatalf("Subscribe(b) returned during connect: sub=%v err=%v", res.sub != nil, res.err)
			case <-time.After(50 * time.Millisecond):
			}

			close(gate)
			for name, ch := range map[string]<-chan subscribeResult{"a": first, "b": second} {
				res := <-ch
				if tt.connectErr == nil {
					if res.err != nil || res.sub == nil {
						t.Errorf("Subscribe(%s) = %v, %v, want subscription", name, res.sub, res.err)
					}
					continue
				}
				if res.sub != nil || !errors.Is(res.err, multiplexer.ErrClientFactory) {
					t.Errorf("Subscribe(%s) = %v, %v, want ErrClientFactory", name, res.sub, res.err)
				}
			}

			if n := client.ConnectCalls(); n != 1 {
				t.Errorf("ConnectCalls() = %d, want 1", n)
			}
			if tt.connectErr != nil {
				// No handle from either caller may reach the wire later.
				client.FireConnect()
				if n := len(client.Calls()); n != 0 {
					t.Errorf("wire calls after failed connect = %v, want none", client.Calls())
				}
			}
		})
	}
}

func TestManager_Close(t *testing.T) {
	m, client, _ := newManager(t)
	box := &inbox{}
	mustSubscribe(t, m, "t1", box.handler("a"))
	client.FireConnect()

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !client.Disconnected() {
		t.Error("client not disconnected")
	}

	client.FireMessage("t1", []byte("late"))
	if got := box.messages(); len(got) != 0 {
		t.Errorf("messages after Close = %v", got)
	}
	if _, err := m.Subscribe("t2", box.handler("b")); !errors.Is(err, multiplexer.ErrClosed) {
		t.Errorf("Subscribe() after Close error = %v, want ErrClosed", err)
	}
}

func TestManager_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	m, client, _ := newManager(t)
	box := &inbox{}

	mustSubscribe(t, m, "t1", func(string, []byte) { panic("handler bug") })
	mustSubscribe(t, m, "t1", box.handler("ok"))
	client.FireConnect()

	client.FireMessage("t1", []byte("m"))
	assertMessages(t, box, "ok:t1:m")
}

func TestManager_SubscribeDuringDeliverySeesNextMessage(t *testing.T) {
	m, client, _ := newManager(t)
	box := &inbox{}

	var once sync.Once
	mustSubscribe(t, m, "t1", func(topic string, payload []byte) {
		box.handler("outer")(topic, payload)
		once.Do(func() {
			mustSubscribe(t, m, "t1", box.handler("inner"))
		})
	})
	client.FireConnect()

	client.FireMessage("t1", []byte("1"))
	client.FireMessage("t1", []byte("2"))

	assertMessages(t, box, "outer:t1:1", "outer:t1:2", "inner:t1:2")
}

func TestManager_UnsubscribeDuringDeliveryTakesEffect(t *testing.T) {
	m, client, _ := newManager(t)
	box := &inbox{}

	var victim *multiplexer.Subscription
	mustSubscribe(t, m, "t1", func(string, []byte) { victim.Unsubscribe() })
	victim = mustSubscribe(t, m, "t1", box.handler("victim"))
	client.FireConnect()

	client.FireMessage("t1", []byte("m"))
	if got := box.messages(); len(got) != 0 {
		t.Errorf("unsubscribed handler received %v", got)
	}
}

func TestManager_Topic(t *testing.T) {
	m, _, _ := newManager(t)
	sub := mustSubscribe(t, m, "yggio/output/v2/s/iotnode/n", func(string, []byte) {})
	if got := sub.Topic(); got != "yggio/output/v2/s/iotnode/n" {
		t.Errorf("Topic() = %q", got)
	}
}

func TestManager_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	client := multiplexertest.NewFakeClient()
	runner := multiplexer.NewSerialRunner()
	m := multiplexer.New(client.Factory(), runner)

	// Create the client before connecting.
	warm := mustSubscribe(t, m, "warmup", func(string, []byte) {})
	client.FireConnect()
	warm.Unsubscribe()

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			topic := fmt.Sprintf("t%d", i%3)
			for range 20 {
				sub, err := m.Subscribe(topic, func(string, []byte) {})
				if err != nil {
					t.Errorf("Subscribe() error = %v", err)
					return
				}
				sub.Unsubscribe()
			}
		}()
	}
	wg.Wait()
	runner.Stop()

	for _, topic := range []string{"warmup", "t0", "t1", "t2"} {
		subs := client.Count(multiplexertest.OpSubscribe, topic)
		unsubs := client.Count(multiplexertest.OpUnsubscribe, topic)
		if subs != unsubs {
			t.Errorf("%s: %d subscribes, %d unsubscribes", topic, subs, unsubs)
		}
	}
	_ = m.Close()
}
