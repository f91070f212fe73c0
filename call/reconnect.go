package call

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/peerwave/voice/monitor"
)

// restartTimeout bounds a single ICE restart offer generation.
const restartTimeout = 10 * time.Second

// handleMediaDisconnected reacts to transient media loss. Recovery
// only starts when a low-bytes warning is active: other disconnects
// usually self-heal and an ICE restart would make them worse.
func (c *Call) handleMediaDisconnected() {
	c.mu.Lock()
	if c.status != StatusOpen {
		c.mu.Unlock()
		return
	}
	lowBytes := c.mon.HasActiveWarning(monitor.MetricBytesReceived, monitor.ThresholdMin) ||
		c.mon.HasActiveWarning(monitor.MetricBytesSent, monitor.ThresholdMin)
	if !lowBytes {
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "handleMediaDisconnected",
		}).Debug("Media disconnected without byte starvation, waiting for self-recovery")
		return
	}
	c.beginReconnectLocked(newError(CodeMediaConnectionFailed, "media connection interrupted", nil))
	c.mu.Unlock()
	c.flush()
}

// handleMediaFailed reacts to unrecoverable transport failure by
// starting recovery immediately.
func (c *Call) handleMediaFailed() {
	c.mu.Lock()
	if c.status != StatusOpen && c.status != StatusReconnecting {
		c.mu.Unlock()
		return
	}
	c.beginReconnectLocked(newError(CodeMediaConnectionFailed, "media connection failed", nil))
	c.mu.Unlock()
	c.flush()
}

// handleGatheringFailure reacts to stalled ICE candidate gathering.
// On an established call this opens the same recovery episode as a
// transport failure; during setup it only surfaces the error.
func (c *Call) handleGatheringFailure() {
	err := newError(CodeMediaConnectionFailed, "ice gathering timed out", nil)

	c.mu.Lock()
	if c.status != StatusOpen && c.status != StatusReconnecting {
		c.mu.Unlock()
		c.emitError(err)
		return
	}
	c.beginReconnectLocked(err)
	c.mu.Unlock()
	c.flush()
}

// handleMediaReconnected completes a recovery episode.
func (c *Call) handleMediaReconnected() {
	c.mu.Lock()
	if c.status != StatusReconnecting {
		c.mu.Unlock()
		return
	}
	c.stopReconnectTimerLocked()
	c.reconnectAttempts = 0
	c.status = StatusOpen
	cb := c.onReconnected
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleMediaReconnected",
		"call_sid": c.SID(),
	}).Info("Media connection restored")

	if cb != nil {
		cb()
	}
}

// beginReconnectLocked opens a recovery episode. The reconnecting
// callback fires once per episode, no matter how many attempts follow.
func (c *Call) beginReconnectLocked(err *Error) {
	if c.reconnecting {
		return
	}
	c.reconnecting = true
	c.reconnectAttempts = 0
	c.status = StatusReconnecting

	cb := c.onReconnecting
	c.stage(func() {
		if cb != nil {
			cb(err)
		}
	})
	c.scheduleRestartLocked()
}

// scheduleRestartLocked arms the next ICE restart attempt with
// exponential backoff, giving up once attempts are exhausted.
func (c *Call) scheduleRestartLocked() {
	c.reconnectAttempts++
	if c.reconnectAttempts > c.cfg.MaxReconnectAttempts {
		go c.abandonReconnect()
		return
	}

	delay := c.cfg.ReconnectBackoff << (c.reconnectAttempts - 1)
	c.reconnectTimer = time.AfterFunc(delay, c.attemptRestart)

	logrus.WithFields(logrus.Fields{
		"function": "scheduleRestartLocked",
		"attempt":  c.reconnectAttempts,
		"delay":    delay,
	}).Debug("ICE restart scheduled")
}

// attemptRestart generates an ICE restart offer and publishes it as a
// reinvite. The next attempt is armed regardless of outcome; a
// successful recovery cancels it.
func (c *Call) attemptRestart() {
	c.mu.Lock()
	if !c.reconnecting || c.status != StatusReconnecting {
		c.mu.Unlock()
		return
	}
	sid := c.sidLocked()
	attempt := c.reconnectAttempts
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), restartTimeout)
	defer cancel()

	offer, err := c.session.ICERestartOffer(ctx)
	if err == nil {
		err = c.pub.Reinvite(sid, offer)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "attemptRestart",
			"attempt":  attempt,
			"error":    err.Error(),
		}).Warn("ICE restart attempt failed")
	}

	c.mu.Lock()
	if c.reconnecting && c.status == StatusReconnecting {
		c.scheduleRestartLocked()
	}
	c.mu.Unlock()
}

// abandonReconnect closes the call after recovery attempts are
// exhausted.
func (c *Call) abandonReconnect() {
	c.mu.Lock()
	if c.status == StatusClosed {
		c.mu.Unlock()
		return
	}
	c.status = StatusClosed
	c.reconnecting = false
	sid := c.sidLocked()

	err := newError(CodeMediaConnectionFailed, "media connection could not be restored", nil)
	cbErr := c.onError
	c.stage(func() {
		if cbErr != nil {
			cbErr(err)
		}
	})
	c.stageDisconnectLocked()
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "abandonReconnect",
		"call_sid": sid,
		"attempts": c.cfg.MaxReconnectAttempts,
	}).Error("Media connection could not be restored, closing call")

	c.pub.Hangup(sid, "")
	c.mon.Disable()
	c.session.Close()
	c.flush()
}

// stopReconnectTimerLocked cancels any pending restart and ends the
// recovery episode.
func (c *Call) stopReconnectTimerLocked() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnecting = false
}
