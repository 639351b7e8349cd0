package lockin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEdgeNotifier(t *testing.T) {
	var en edgeNotifier
	a, b := 0, 0
	unsubA := en.subscribe(func() { a++ })
	var unsubB func()
	unsubB = en.subscribe(func() {
		b++
		unsubB() // handlers may unsubscribe themselves
	})
	assert.Equal(t, 2, en.count())

	en.notify()
	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
	assert.Equal(t, 1, en.count())

	en.notify()
	assert.Equal(t, 2, a)
	assert.Equal(t, 1, b)

	unsubA()
	unsubA() // twice is harmless
	en.notify()
	assert.Equal(t, 2, a)
	assert.Equal(t, 0, en.count())
}

func TestFixedModulation(t *testing.T) {
	fm := NewFixedModulation(13)
	assert.Equal(t, 13.0, fm.InputFrequency())
	assert.NoError(t, fm.SetInputFrequency(17))
	assert.Equal(t, 17.0, fm.InputFrequency())
	assert.ErrorIs(t, fm.SetInputFrequency(0), ErrBadFrequency)
	assert.Equal(t, 17.0, fm.InputFrequency())

	fired := 0
	unsub := fm.OnModulationHigh(func() { fired++ })
	fm.NotifyModulationHigh()
	unsub()
	fm.NotifyModulationHigh()
	assert.Equal(t, 1, fired)
}

func TestDetectorModulationUninitialized(t *testing.T) {
	dm := NewDetectorModulation(NewFrequencyDetector(&fakeCounter{}, nil, 0))
	assert.Equal(t, 0.0, dm.InputFrequency())
	fired := 0
	dm.OnModulationHigh(func() { fired++ })
	dm.NotifyModulationHigh()
	assert.Equal(t, 1, fired)
}
