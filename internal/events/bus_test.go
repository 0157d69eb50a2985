package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFansOut(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var mu sync.Mutex
	got := map[string][]Type{}
	for _, name := range []string{"a", "b"} {
		bus.Subscribe(context.Background(), name, 8, func(_ context.Context, e Event) {
			mu.Lock()
			got[name] = append(got[name], e.Type)
			mu.Unlock()
		})
	}

	bus.Publish(context.Background(), Event{Type: Submitted})
	bus.Publish(context.Background(), Event{Type: Approved})
	bus.Close()

	assert.Equal(t, []Type{Submitted, Approved}, got["a"])
	assert.Equal(t, []Type{Submitted, Approved}, got["b"])
}

func TestBusQueuesBehindSlowSubscriber(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	release := make(chan struct{})
	var handled []Type
	bus.Subscribe(context.Background(), "slow", 1, func(_ context.Context, e Event) {
		<-release
		handled = append(handled, e.Type)
	})

	published := []Type{Submitted, LevelAdvanced, Approved, Overdue, Cancelled}
	done := make(chan struct{})
	go func() {
		for _, typ := range published {
			bus.Publish(context.Background(), Event{Type: typ})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	close(release)
	bus.Close()
	assert.Equal(t, published, handled)
}

func TestBusIgnoresPublishAfterClose(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	var calls int
	bus.Subscribe(context.Background(), "late", 4, func(context.Context, Event) { calls++ })
	bus.Close()
	bus.Publish(context.Background(), Event{Type: Approved})
	bus.Close()
	assert.Zero(t, calls)
}

func TestBusRecoversPanics(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	var calls int
	bus.Subscribe(context.Background(), "boom", 4, func(context.Context, Event) {
		calls++
		panic("boom")
	})
	bus.Publish(context.Background(), Event{})
	bus.Publish(context.Background(), Event{})
	bus.Close()
	assert.Equal(t, 2, calls)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSinkWritesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	sink := NewKafkaSink(w, zerolog.Nop())

	sink.Handle(context.Background(), Event{ID: "e1", Type: LevelAdvanced, RequestID: "r1", Level: 2})

	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("r1"), w.msgs[0].Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, LevelAdvanced, decoded.Type)
	assert.Equal(t, 2, decoded.Level)
}

func TestKafkaSinkSwallowsErrors(t *testing.T) {
	sink := NewKafkaSink(&fakeWriter{err: errors.New("broker down")}, zerolog.Nop())
	assert.NotPanics(t, func() {
		sink.Handle(context.Background(), Event{ID: "e1", Type: Rejected})
	})
}
