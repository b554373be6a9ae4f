// Package clonewire contains the fixed wire vocabulary exchanged between the
// source and destination sides of the clone protocol: the Locator that names
// one clone instance, and the Descriptor that accompanies every chunk of
// payload. Both are value types with no heap allocation and a stable,
// little-endian, self-identifying byte layout. Neither type decides whether
// the bytes they carry refer to anything live; that's the job of
// pkg/cloneengine's registry.
package clonewire

import (
	"encoding/binary"
	"fmt"
)

// LocatorSize is the fixed wire size of a Locator: three little-endian
// uint32 fields, in order (version, clone_id, slot_index).
const LocatorSize = 12

// Version is the only wire version this package knows how to produce or
// parse. The protocol is versioned so a future incompatible revision has
// somewhere to go, but forward-compatibility is not implemented.
const Version uint32 = 1

// Locator is a fixed 12-byte handle naming one clone instance and its slot
// in the registry. It is created on the source at clone start and echoed
// back unchanged by the destination on every subsequent call.
type Locator struct {
	Version   uint32
	CloneID   uint32
	SlotIndex uint32
}

// NewLocator builds a Locator for a freshly allocated clone. cloneID comes
// from the registry's monotonic counter; slotIndex is the handle's index in
// the per-role registry array.
func NewLocator(cloneID, slotIndex uint32) Locator {
	return Locator{Version: Version, CloneID: cloneID, SlotIndex: slotIndex}
}

// Encode serialises the Locator into its stable 12-byte wire order.
func (l Locator) Encode() [LocatorSize]byte {
	var buf [LocatorSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], l.Version)
	binary.LittleEndian.PutUint32(buf[4:8], l.CloneID)
	binary.LittleEndian.PutUint32(buf[8:12], l.SlotIndex)
	return buf
}

// DecodeLocator parses a Locator from an untrusted byte slice. Per the wire
// contract, a short input is zero-padded and a long input is truncated to
// LocatorSize; this function never returns an error.
func DecodeLocator(b []byte) Locator {
	var buf [LocatorSize]byte
	copy(buf[:], b) // short b zero-pads the remainder; long b is truncated by copy
	return Locator{
		Version:   binary.LittleEndian.Uint32(buf[0:4]),
		CloneID:   binary.LittleEndian.Uint32(buf[4:8]),
		SlotIndex: binary.LittleEndian.Uint32(buf[8:12]),
	}
}

// Equal reports whether two locators name the same clone instance and slot.
// A version mismatch between otherwise-equal locators is an assertion
// failure: this package does not yet support more than one wire version,
// and a caller that constructs a Locator with a foreign version has
// violated its own contract rather than encountered a recoverable runtime
// condition.
func (l Locator) Equal(other Locator) bool {
	if l.Version != other.Version {
		panic("clonewire: locator version mismatch")
	}
	return l.CloneID == other.CloneID && l.SlotIndex == other.SlotIndex
}

// String renders the locator for logging.
func (l Locator) String() string {
	return fmt.Sprintf("locator(v%d,id=%d,slot=%d)", l.Version, l.CloneID, l.SlotIndex)
}
