package unboundedchan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnboundedChannel(t *testing.T) {
	uc := NewUnboundedChannel[int]()

	// Send all integers [0, max) before anyone reads: the sender must not block.
	const max = 200
	sent := make(chan struct{})
	go func() {
		for i := range max {
			uc.In() <- i
		}
		uc.Close()
		close(sent)
	}()
	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("sender blocked with no reader")
	}

	// Values arrive in order, and Out closes after the last one.
	want := 0
	for d := range uc.Out() {
		assert.Equal(t, want, d, "values should arrive in FIFO order")
		want++
	}
	assert.Equal(t, max, want, "all values should be delivered after Close")
}

func TestUnboundedChannelCloseEmpty(t *testing.T) {
	uc := NewUnboundedChannel[string]()
	uc.Close()
	_, ok := <-uc.Out()
	assert.False(t, ok, "Out should close when an empty queue is closed")
}
