package telemetry_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/nerrad567/esg-core/internal/infrastructure/config"
	"github.com/nerrad567/esg-core/internal/infrastructure/logging"
	"github.com/nerrad567/esg-core/internal/multiplexer"
	"github.com/nerrad567/esg-core/internal/multiplexer/multiplexertest"
	"github.com/nerrad567/esg-core/internal/node"
	"github.com/nerrad567/esg-core/internal/telemetry"
)

const testSetID = "65a1b2c3d4e5f6a7b8c9d0e1"

var (
	boiler = node.Node{ID: "nod-boiler", SetID: testSetID, NodeID: "65a1b2c3d4e5f6a7b8c9d0e2", Name: "Boiler"}
	roof   = node.Node{ID: "nod-roof", SetID: testSetID, NodeID: "65a1b2c3d4e5f6a7b8c9d0e3", Name: "Roof", Measurement: "weather"}
)

type memorySink struct {
	mu       sync.Mutex
	readings []telemetry.Reading
}

func (s *memorySink) WriteNodeReading(r telemetry.Reading) {
	s.mu.Lock()
	s.readings = append(s.readings, r)
	s.mu.Unlock()
}

func (s *memorySink) all() []telemetry.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]telemetry.Reading(nil), s.readings...)
}

type staticLister struct {
	nodes []node.Node
	err   error
}

func (l staticLister) List(context.Context) ([]node.Node, error) {
	return l.nodes, l.err
}

type failingSubscriber struct{ err error }

func (f failingSubscriber) Subscribe(string, multiplexer.MessageHandler) (*multiplexer.Subscription, error) {
	return nil, f.err
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "debug", Format: "text"}, "test", io.Discard)
}

// setup returns a recorder over a connected fake broker.
func setup(t *testing.T) (*telemetry.Recorder, *multiplexer.Manager, *multiplexertest.FakeClient, *memorySink) {
	t.Helper()
	client := multiplexertest.NewFakeClient()
	mgr := multiplexer.New(client.Factory(), multiplexertest.NewManualRunner())
	t.Cleanup(func() { _ = mgr.Close() })

	sink := &memorySink{}
	rec := telemetry.NewRecorder(mgr, sink, testLogger())
	t.Cleanup(rec.Close)
	return rec, mgr, client, sink
}

func TestRecorder_RecordsReadings(t *testing.T) {
	rec, _, client, sink := setup(t)

	if err := rec.Watch(boiler); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	client.FireConnect()
	if n := client.Count(multiplexertest.OpSubscribe, boiler.Topic()); n != 1 {
		t.Fatalf("wire subscribes = %d, want 1", n)
	}

	client.FireMessage(boiler.Topic(), []byte(`{"iotnode": {"temperature": 64.5}}`))

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("sink readings = %d, want 1", len(got))
	}
	r := got[0]
	if r.NodeID != boiler.ID || r.SetID != testSetID || r.YggioNodeID != boiler.NodeID {
		t.Errorf("reading identity = %+v", r)
	}
	if r.Fields["temperature"] != 64.5 {
		t.Errorf("temperature = %v, want 64.5", r.Fields["temperature"])
	}
	if r.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not set")
	}

	latest, ok := rec.Latest(boiler.ID)
	if !ok || latest.Fields["temperature"] != 64.5 {
		t.Errorf("Latest() = %+v, %v", latest, ok)
	}
}

func TestRecorder_MeasurementCarried(t *testing.T) {
	rec, _, client, sink := setup(t)
	if err := rec.Watch(roof); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	client.FireConnect()
	client.FireMessage(roof.Topic(), []byte(`{"wind": 4}`))

	got := sink.all()
	if len(got) != 1 || got[0].Measurement != "weather" {
		t.Errorf("sink readings = %+v, want one with measurement weather", got)
	}
}

func TestRecorder_SkipsUnparseablePayloads(t *testing.T) {
	rec, _, client, sink := setup(t)
	if err := rec.Watch(boiler); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	client.FireConnect()

	client.FireMessage(boiler.Topic(), []byte(`not json`))
	client.FireMessage(boiler.Topic(), []byte(`{"name": "no numbers"}`))

	if got := sink.all(); len(got) != 0 {
		t.Errorf("sink readings = %v, want none", got)
	}
	if _, ok := rec.Latest(boiler.ID); ok {
		t.Error("Latest() found a reading for unparseable payloads")
	}
}

func TestRecorder_WatchIdempotent(t *testing.T) {
	rec, _, client, _ := setup(t)

	for i := 0; i < 3; i++ {
		if err := rec.Watch(boiler); err != nil {
			t.Fatalf("Watch() #%d error = %v", i, err)
		}
	}
	client.FireConnect()

	if rec.Watching() != 1 {
		t.Errorf("Watching() = %d, want 1", rec.Watching())
	}
	if n := client.Count(multiplexertest.OpSubscribe, boiler.Topic()); n != 1 {
		t.Errorf("wire subscribes = %d, want 1", n)
	}
}

func TestRecorder_Unwatch(t *testing.T) {
	rec, _, client, sink := setup(t)
	if err := rec.Watch(boiler); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	client.FireConnect()
	client.FireMessage(boiler.Topic(), []byte(`{"v": 1}`))

	rec.Unwatch(boiler.ID)
	rec.Unwatch(boiler.ID)

	if rec.Watching() != 0 {
		t.Errorf("Watching() = %d, want 0", rec.Watching())
	}
	if _, ok := rec.Latest(boiler.ID); ok {
		t.Error("Latest() still set after Unwatch")
	}
	if n := client.Count(multiplexertest.OpUnsubscribe, boiler.Topic()); n != 1 {
		t.Errorf("wire unsubscribes = %d, want 1", n)
	}

	client.FireMessage(boiler.Topic(), []byte(`{"v": 2}`))
	if got := sink.all(); len(got) != 1 {
		t.Errorf("sink readings = %d, want 1 (none after Unwatch)", len(got))
	}
}

func TestRecorder_SharesTopicWithOtherSubscribers(t *testing.T) {
	rec, mgr, client, sink := setup(t)
	if err := rec.Watch(boiler); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	var relayed int
	sub, err := mgr.Subscribe(boiler.Topic(), func(string, []byte) { relayed++ })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	client.FireConnect()
	client.FireMessage(boiler.Topic(), []byte(`{"v": 1}`))

	if relayed != 1 || len(sink.all()) != 1 {
		t.Errorf("relayed = %d, sink = %d, want both 1", relayed, len(sink.all()))
	}
	if n := client.Count(multiplexertest.OpSubscribe, boiler.Topic()); n != 1 {
		t.Errorf("wire subscribes = %d, want 1 shared", n)
	}

	// The other subscriber leaving keeps the recorder's subscription alive.
	sub.Unsubscribe()
	if n := client.Count(multiplexertest.OpUnsubscribe, boiler.Topic()); n != 0 {
		t.Errorf("wire unsubscribes = %d, want 0", n)
	}
	client.FireMessage(boiler.Topic(), []byte(`{"v": 2}`))
	if len(sink.all()) != 2 {
		t.Errorf("sink = %d, want 2", len(sink.all()))
	}
}

func TestRecorder_Start(t *testing.T) {
	rec, _, client, _ := setup(t)

	if err := rec.Start(context.Background(), staticLister{nodes: []node.Node{boiler, roof}}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if rec.Watching() != 2 {
		t.Errorf("Watching() = %d, want 2", rec.Watching())
	}

	client.FireConnect()
	calls := client.Calls()
	if len(calls) != 2 {
		t.Fatalf("wire calls = %v, want 2 subscribes", calls)
	}
}

func TestRecorder_StartListError(t *testing.T) {
	rec, _, _, _ := setup(t)
	listErr := errors.New("disk gone")

	err := rec.Start(context.Background(), staticLister{err: listErr})
	if !errors.Is(err, listErr) {
		t.Errorf("Start() error = %v, want %v", err, listErr)
	}
}

func TestRecorder_StartSubscribeErrors(t *testing.T) {
	rec := telemetry.NewRecorder(failingSubscriber{err: multiplexer.ErrClientFactory}, nil, testLogger())

	err := rec.Start(context.Background(), staticLister{nodes: []node.Node{boiler, roof}})
	if !errors.Is(err, multiplexer.ErrClientFactory) {
		t.Errorf("Start() error = %v, want ErrClientFactory", err)
	}
	if rec.Watching() != 0 {
		t.Errorf("Watching() = %d, want 0", rec.Watching())
	}
}

func TestRecorder_NilSink(t *testing.T) {
	client := multiplexertest.NewFakeClient()
	mgr := multiplexer.New(client.Factory(), multiplexertest.NewManualRunner())
	defer mgr.Close()

	rec := telemetry.NewRecorder(mgr, nil, nil)
	defer rec.Close()
	if err := rec.Watch(boiler); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	client.FireConnect()
	client.FireMessage(boiler.Topic(), []byte(`{"v": 3}`))

	if r, ok := rec.Latest(boiler.ID); !ok || r.Fields["v"] != 3 {
		t.Errorf("Latest() = %+v, %v", r, ok)
	}
}

func TestRecorder_Close(t *testing.T) {
	rec, _, client, _ := setup(t)
	if err := rec.Watch(boiler); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if err := rec.Watch(roof); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	client.FireConnect()

	rec.Close()

	if rec.Watching() != 0 {
		t.Errorf("Watching() = %d after Close, want 0", rec.Watching())
	}
	for _, n := range []node.Node{boiler, roof} {
		if c := client.Count(multiplexertest.OpUnsubscribe, n.Topic()); c != 1 {
			t.Errorf("wire unsubscribes for %s = %d, want 1", n.Name, c)
		}
	}
	if err := rec.Watch(boiler); !errors.Is(err, telemetry.ErrRecorderClosed) {
		t.Errorf("Watch() after Close error = %v, want ErrRecorderClosed", err)
	}
}
