package event

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_KeysByCreditType(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	events := []Event{
		NewTradeExecuted(testTrade()),
		NewOrderUpdated(testOrder("o1", "alice", "buy"), testTime),
	}
	if err := p.Publish(context.Background(), events); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(w.msgs) != 2 {
		t.Fatalf("wrote %d messages, want 2", len(w.msgs))
	}
	for i, m := range w.msgs {
		if string(m.Key) != "VCS-2020" {
			t.Errorf("msg %d key = %s", i, m.Key)
		}
		var got Event
		if err := json.Unmarshal(m.Value, &got); err != nil {
			t.Fatalf("decode msg %d: %v", i, err)
		}
		if got.ID != events[i].ID || got.Type != events[i].Type {
			t.Errorf("msg %d = %s/%s, want %s/%s", i, got.ID, got.Type, events[i].ID, events[i].Type)
		}
	}
	if string(w.msgs[0].Headers[0].Value) != "trade.executed" {
		t.Errorf("event-type header = %s", w.msgs[0].Headers[0].Value)
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Errorf("close: closed=%v err=%v", w.closed, err)
	}
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	errDown := errors.New("broker down")
	p := &KafkaPublisher{writer: &fakeWriter{err: errDown}}

	err := p.Publish(context.Background(), []Event{NewTradeExecuted(testTrade())})
	if !errors.Is(err, errDown) {
		t.Errorf("err = %v, want %v", err, errDown)
	}
}
