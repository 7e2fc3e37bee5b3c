package clock

import "time"

// MediaClock maps device time to media time through an anchor captured at
// each playback start and each rate change:
//
//	mediaTime = refMedia + (deviceNow - refDevice) * rate
//
// MediaClock is a value concept, not a service: it has no goroutines and no
// internal locking. The owning component guards it with its own mutex.
type MediaClock struct {
	refDevice time.Time
	refMedia  time.Duration
	rate      float64
}

// NewMediaClock returns a clock anchored at (deviceNow, 0) with rate 1.
func NewMediaClock(deviceNow time.Time) MediaClock {
	return MediaClock{refDevice: deviceNow, rate: 1}
}

// Anchor re-bases the mapping so that deviceNow corresponds to mediaTime.
// The rate is preserved.
func (c *MediaClock) Anchor(deviceNow time.Time, mediaTime time.Duration) {
	c.refDevice = deviceNow
	c.refMedia = mediaTime
	if c.rate == 0 {
		c.rate = 1
	}
}

// MediaTime returns the media time corresponding to deviceNow.
func (c *MediaClock) MediaTime(deviceNow time.Time) time.Duration {
	return c.refMedia + time.Duration(float64(deviceNow.Sub(c.refDevice))*c.rate)
}

// DeviceTimeFor returns the device instant at which mediaTime is reached.
// It is the inverse of MediaTime and is what audio scheduling uses to place
// buffers on the device timeline.
func (c *MediaClock) DeviceTimeFor(mediaTime time.Duration) time.Time {
	rate := c.rate
	if rate == 0 {
		rate = 1
	}
	return c.refDevice.Add(time.Duration(float64(mediaTime-c.refMedia) / rate))
}

// Rate returns the current playback rate.
func (c *MediaClock) Rate() float64 {
	if c.rate == 0 {
		return 1
	}
	return c.rate
}

// SetRate changes the playback rate, re-anchoring at the media time that
// corresponds to deviceNow so the mapping is continuous across the change.
func (c *MediaClock) SetRate(deviceNow time.Time, rate float64) {
	at := c.MediaTime(deviceNow)
	c.refDevice = deviceNow
	c.refMedia = at
	c.rate = rate
}
