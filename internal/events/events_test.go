package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

func TestNewEvent(t *testing.T) {
	ev := New(KindQR, "t1")
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, KindQR, ev.Kind)
	assert.Equal(t, "t1", ev.TenantID)
	assert.WithinDuration(t, time.Now(), ev.Time, time.Second)
	assert.NotEqual(t, ev.ID, New(KindQR, "t1").ID)
}

func TestBusFanOut(t *testing.T) {
	b := NewBus()
	a, cancelA := b.Subscribe("a", 4, nil)
	defer cancelA()
	c, cancelC := b.Subscribe("c", 4, ForTenant("t2"))
	defer cancelC()

	b.Publish(New(KindConnected, "t1"))
	b.Publish(New(KindConnected, "t2"))

	assert.Equal(t, "t1", (<-a).TenantID)
	assert.Equal(t, "t2", (<-a).TenantID)
	assert.Equal(t, "t2", (<-c).TenantID)
	select {
	case ev := <-c:
		t.Fatalf("filtered subscriber got %v", ev)
	default:
	}
}

func TestBusSlowSubscriberDrops(t *testing.T) {
	b := NewBus()
	_, cancel := b.Subscribe("slow", 1, nil)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(New(KindMessage, "t1"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Equal(t, uint64(9), b.Dropped("slow"))
}

func TestBusCancelAndClose(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe("x", 1, nil)
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	ch2, _ := b.Subscribe("y", 1, nil)
	b.Close()
	b.Close()
	_, ok = <-ch2
	assert.False(t, ok)

	b.Publish(New(KindQR, "t1"))
	ch3, _ := b.Subscribe("late", 1, nil)
	_, ok = <-ch3
	assert.False(t, ok)
}

func TestFanout(t *testing.T) {
	var got []string
	l := Fanout(
		func(ev Event) { got = append(got, "a:"+ev.TenantID) },
		nil,
		func(ev Event) { got = append(got, "b:"+ev.TenantID) },
	)
	l(New(KindQR, "t1"))
	assert.Equal(t, []string{"a:t1", "b:t1"}, got)
}

func TestEnvelope(t *testing.T) {
	ev := New(KindDisconnected, "t9")
	ev.Reason = "logged_out"
	env := NewEnvelope(ev)
	assert.Equal(t, ev.ID, env.Meta.ID)
	assert.Equal(t, "t9", env.Meta.CorrelationID)
	assert.Equal(t, Producer, env.Meta.Producer)
	assert.Equal(t, "tenant.disconnected", env.Meta.Type)
	assert.Equal(t, "tenant.disconnected", RoutingKey(ev))
	assert.Equal(t, "logged_out", env.Data.Reason)
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	fail bool
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	if p.fail {
		return errors.New("broker down")
	}
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestForwardSkipsMessages(t *testing.T) {
	ch := make(chan Event, 4)
	msg := New(KindMessage, "t1")
	msg.Message = &models.IncomingMessage{Text: "private"}
	ch <- New(KindQR, "t1")
	ch <- msg
	ch <- New(KindConnected, "t1")
	close(ch)

	pub := &recordingPublisher{fail: true}
	Forward(context.Background(), ch, pub)

	require.Len(t, pub.keys, 2)
	assert.Equal(t, []string{"tenant.qr", "tenant.connected"}, pub.keys)
}

func TestForwardStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Forward(ctx, make(chan Event), &recordingPublisher{})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Forward did not return after cancel")
	}
}
