package call

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// validDigits is the sendable set: DTMF digits plus the 'w' pause
// marker, which inserts a half-second gap instead of a tone.
const validDigits = "0123456789*#w"

// SendDigits relays DTMF digits over signaling and plays the matching
// in-band tones. Validation is synchronous: any character outside the
// sendable set rejects the whole string before anything is sent.
// Digits can only be sent on an open call.
func (c *Call) SendDigits(digits string) error {
	if digits == "" {
		return newError(CodeUnknown, "no digits to send", nil)
	}
	for _, d := range digits {
		if !strings.ContainsRune(validDigits, d) {
			return newError(CodeUnknown, fmt.Sprintf("invalid dtmf digit %q", d), nil)
		}
	}

	c.mu.Lock()
	if c.status != StatusOpen {
		status := c.status
		c.mu.Unlock()
		return newError(CodeUnknown, fmt.Sprintf("cannot send digits while %s", status), nil)
	}
	sid := c.sidLocked()
	c.mu.Unlock()

	if err := c.pub.DTMF(sid, digits); err != nil {
		return newError(CodeConnectionError, "failed to send digits", err)
	}

	go c.playTones(digits)
	return nil
}

// playTones inserts in-band tones for each digit with a fixed gap
// between them; 'w' pauses instead of sounding. Missing tone support
// is not an error, the digits already went out over signaling.
func (c *Call) playTones(digits string) {
	sender := c.toneSenderOnce()
	for _, d := range digits {
		if d == 'w' {
			time.Sleep(c.cfg.PauseDuration)
			continue
		}
		if sender != nil {
			if err := sender.Insert(d, c.cfg.ToneDuration); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "playTones",
					"error":    err.Error(),
				}).Warn("Failed to insert dtmf tone")
			}
		}
		time.Sleep(c.cfg.ToneGap)
	}
}

// toneSenderOnce resolves the tone sender on first use and caches the
// result, including a negative one, for the call's lifetime.
func (c *Call) toneSenderOnce() toneSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tonesProbed {
		return c.tones
	}
	c.tonesProbed = true
	if c.tones == nil {
		if s := c.session.DTMF(); s != nil {
			c.tones = s
		}
	}
	return c.tones
}
