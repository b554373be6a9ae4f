package clonewire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLocatorRoundTrip(t *testing.T) {
	l := NewLocator(42, 0)
	buf := l.Encode()
	got := DecodeLocator(buf[:])
	assert.Equal(t, l, got)
	assert.True(t, l.Equal(got))
}

func TestLocatorDecodePadsShortInput(t *testing.T) {
	got := DecodeLocator([]byte{1, 0, 0, 0})
	assert.Equal(t, Locator{Version: 1}, got)
}

func TestLocatorDecodeTruncatesLongInput(t *testing.T) {
	buf := NewLocator(7, 2).Encode()
	longer := append(buf[:], 0xFF, 0xFF, 0xFF, 0xFF)
	got := DecodeLocator(longer)
	assert.Equal(t, NewLocator(7, 2), got)
}

func TestLocatorEqualVersionMismatchPanics(t *testing.T) {
	a := Locator{Version: 1, CloneID: 1, SlotIndex: 0}
	b := Locator{Version: 2, CloneID: 1, SlotIndex: 0}
	assert.Panics(t, func() { a.Equal(b) })
}

func TestLocatorNotEqualDifferentCloneID(t *testing.T) {
	a := NewLocator(1, 0)
	b := NewLocator(2, 0)
	assert.False(t, a.Equal(b))
}
