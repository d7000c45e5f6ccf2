package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_FanOut(t *testing.T) {
	h := NewHub(4)
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelA()
	defer cancelB()

	h.Emit(Event{TaskID: "t1", Kind: KindInfo, Payload: "hello"})

	for _, ch := range []<-chan Event{a, b} {
		e := <-ch
		assert.Equal(t, "t1", e.TaskID)
		assert.Equal(t, KindInfo, e.Kind)
		assert.False(t, e.Time.IsZero())
	}
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	h := NewHub(1)
	slow, cancel := h.Subscribe()
	defer cancel()

	h.Emit(Event{TaskID: "t1", Kind: KindUpdate})
	h.Emit(Event{TaskID: "t1", Kind: KindUpdate})

	require.Equal(t, 0, h.Len())
	_, ok := <-slow
	assert.True(t, ok, "buffered event is still readable")
	_, ok = <-slow
	assert.False(t, ok, "channel closed after drop")
}

func TestHub_CancelTwice(t *testing.T) {
	h := NewHub(1)
	_, cancel := h.Subscribe()
	cancel()
	cancel()
	assert.Equal(t, 0, h.Len())
}

func TestMulti(t *testing.T) {
	var got []Kind
	m := Multi{
		EmitterFunc(func(e Event) { got = append(got, e.Kind) }),
		EmitterFunc(func(e Event) { got = append(got, e.Kind) }),
	}
	m.Emit(Event{Kind: KindSignal})
	assert.Equal(t, []Kind{KindSignal, KindSignal}, got)
}
