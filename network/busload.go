package network

// defaultPortCapacityBitsPerSec is the standard J1939 segment speed.
const defaultPortCapacityBitsPerSec = 250_000

// busLoadWindowMillis is the width of the sliding sample window.
const busLoadWindowMillis = 1000.0

// bitsPerFrame approximates a full CAN 2.0B frame on the wire: 29 bit identifier plus
// control/CRC/ACK overhead plus up to 8 data bytes, stuffed bits ignored for simplicity.
const bitsPerFrame = 128

// busLoadSample counts frames for one port over a rolling one-second window, estimating
// bits-on-wire as frames * bitsPerFrame, reported as a percentage of a configurable
// capacity (spec.md §4.6 item 4).
type busLoadSample struct {
	capacityBitsPerSec int
	windowRemaining    float64
	framesThisWindow   int
	lastPercent        float64
}

func newBusLoadSample(capacityBitsPerSec int) *busLoadSample {
	if capacityBitsPerSec <= 0 {
		capacityBitsPerSec = defaultPortCapacityBitsPerSec
	}
	return &busLoadSample{capacityBitsPerSec: capacityBitsPerSec, windowRemaining: busLoadWindowMillis}
}

// RecordFrame accounts one transmitted or received frame.
func (b *busLoadSample) RecordFrame() {
	b.framesThisWindow++
}

// Tick advances the window by elapsedMillis, rolling the sample over and recomputing
// Percent once a full window has elapsed.
func (b *busLoadSample) Tick(elapsedMillis float64) {
	b.windowRemaining -= elapsedMillis
	if b.windowRemaining > 0 {
		return
	}
	bitsUsed := b.framesThisWindow * bitsPerFrame
	b.lastPercent = 100 * float64(bitsUsed) / float64(b.capacityBitsPerSec)
	b.framesThisWindow = 0
	b.windowRemaining += busLoadWindowMillis
	if b.windowRemaining <= 0 {
		b.windowRemaining = busLoadWindowMillis
	}
}

// Percent returns the bus load percentage measured over the most recently completed
// one-second window.
func (b *busLoadSample) Percent() float64 { return b.lastPercent }
