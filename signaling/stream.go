package signaling

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Stream frames typed signaling messages on top of a Transport and
// dispatches inbound frames to registered handlers by message type.
type Stream struct {
	mu sync.RWMutex
	tr *Transport

	onInvite      func(InvitePayload)
	onAnswer      func(AnswerPayload)
	onRinging     func(RingingPayload)
	onHangup      func(HangupPayload)
	onCancel      func(CancelPayload)
	onServerError func(ErrorPayload)
	onConnected   func()
	onClosed      func(code int)
	onError       func(error)
}

// NewStream wires a stream onto the given transport, taking over its
// message, open, close and error callbacks.
func NewStream(tr *Transport) *Stream {
	s := &Stream{tr: tr}

	tr.SetMessageCallback(s.dispatch)
	tr.SetOpenCallback(func() {
		s.mu.RLock()
		cb := s.onConnected
		s.mu.RUnlock()
		if cb != nil {
			cb()
		}
	})
	tr.SetCloseCallback(func(code int) {
		s.mu.RLock()
		cb := s.onClosed
		s.mu.RUnlock()
		if cb != nil {
			cb(code)
		}
	})
	tr.SetErrorCallback(func(err error) {
		s.mu.RLock()
		cb := s.onError
		s.mu.RUnlock()
		if cb != nil {
			cb(err)
		}
	})

	return s
}

// Open starts the underlying transport.
func (s *Stream) Open() { s.tr.Open() }

// Close shuts down the underlying transport.
func (s *Stream) Close() { s.tr.Close() }

// Status mirrors the transport's connection state for synchronous
// consultation by the call state machine.
func (s *Stream) Status() State { return s.tr.State() }

// HandleInvite registers the inbound invite handler.
func (s *Stream) HandleInvite(cb func(InvitePayload)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onInvite = cb
}

// HandleAnswer registers the inbound answer handler.
func (s *Stream) HandleAnswer(cb func(AnswerPayload)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAnswer = cb
}

// HandleRinging registers the inbound ringing handler.
func (s *Stream) HandleRinging(cb func(RingingPayload)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRinging = cb
}

// HandleHangup registers the inbound hangup handler.
func (s *Stream) HandleHangup(cb func(HangupPayload)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onHangup = cb
}

// HandleCancel registers the inbound cancel handler.
func (s *Stream) HandleCancel(cb func(CancelPayload)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCancel = cb
}

// HandleServerError registers the handler for server error frames.
func (s *Stream) HandleServerError(cb func(ErrorPayload)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onServerError = cb
}

// HandleConnected registers the handler invoked when the transport opens.
func (s *Stream) HandleConnected(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnected = cb
}

// HandleClosed registers the handler invoked when the transport closes.
func (s *Stream) HandleClosed(cb func(code int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosed = cb
}

// HandleError registers the handler for transport and protocol errors.
func (s *Stream) HandleError(cb func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = cb
}

// dispatch decodes one inbound frame and routes it by type.
func (s *Stream) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.protocolError(fmt.Errorf("%w: %v", ErrMalformedMessage, err))
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "dispatch",
		"type":     env.Type,
		"size":     len(data),
	}).Debug("Signaling message received")

	switch env.Type {
	case TypeInvite:
		var p InvitePayload
		if !s.decode(env.Payload, &p) {
			return
		}
		s.mu.RLock()
		cb := s.onInvite
		s.mu.RUnlock()
		if cb != nil {
			cb(p)
		}
	case TypeAnswer:
		var p AnswerPayload
		if !s.decode(env.Payload, &p) {
			return
		}
		s.mu.RLock()
		cb := s.onAnswer
		s.mu.RUnlock()
		if cb != nil {
			cb(p)
		}
	case TypeRinging:
		var p RingingPayload
		if !s.decode(env.Payload, &p) {
			return
		}
		s.mu.RLock()
		cb := s.onRinging
		s.mu.RUnlock()
		if cb != nil {
			cb(p)
		}
	case TypeHangup:
		var p HangupPayload
		if !s.decode(env.Payload, &p) {
			return
		}
		s.mu.RLock()
		cb := s.onHangup
		s.mu.RUnlock()
		if cb != nil {
			cb(p)
		}
	case TypeCancel:
		var p CancelPayload
		if !s.decode(env.Payload, &p) {
			return
		}
		s.mu.RLock()
		cb := s.onCancel
		s.mu.RUnlock()
		if cb != nil {
			cb(p)
		}
	case TypeError:
		var p ErrorPayload
		if !s.decode(env.Payload, &p) {
			return
		}
		s.mu.RLock()
		cb := s.onServerError
		s.mu.RUnlock()
		if cb != nil {
			cb(p)
		}
	default:
		s.protocolError(fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type))
	}
}

// decode unmarshals a payload in place, surfacing decode failures as
// protocol errors. Returns false when the payload was undecodable.
func (s *Stream) decode(raw json.RawMessage, into any) bool {
	if len(raw) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, into); err != nil {
		s.protocolError(fmt.Errorf("%w: %v", ErrMalformedMessage, err))
		return false
	}
	return true
}

// protocolError surfaces a malformed or unexpected inbound frame.
func (s *Stream) protocolError(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "protocolError",
		"error":    err.Error(),
	}).Warn("Dropping undecodable signaling frame")

	s.mu.RLock()
	cb := s.onError
	s.mu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// publish serializes one outbound message and writes it to the
// transport. Fails with ErrNotConnected when the transport is not open.
func (s *Stream) publish(msgType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	frame, err := json.Marshal(envelope{Type: msgType, Payload: raw})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", msgType, err)
	}

	if !s.tr.Send(frame) {
		return ErrNotConnected
	}

	logrus.WithFields(logrus.Fields{
		"function": "publish",
		"type":     msgType,
	}).Debug("Signaling message sent")

	return nil
}

// Invite publishes an SDP offer with application parameters.
func (s *Stream) Invite(callSID, sdp string, params map[string]string) error {
	return s.publish(TypeInvite, InvitePayload{CallSID: callSID, SDP: sdp, Params: params})
}

// Answer publishes the SDP answer for an inbound call.
func (s *Stream) Answer(callSID, sdp string) error {
	return s.publish(TypeAnswer, AnswerPayload{CallSID: callSID, SDP: sdp})
}

// Reinvite publishes an ICE-restart offer for an established call.
func (s *Stream) Reinvite(callSID, sdp string) error {
	return s.publish(TypeReinvite, InvitePayload{CallSID: callSID, SDP: sdp})
}

// DTMF publishes dialed digits for an established call.
func (s *Stream) DTMF(callSID, digits string) error {
	return s.publish(TypeDTMF, DTMFPayload{CallSID: callSID, Digits: digits})
}

// Hangup publishes call termination.
func (s *Stream) Hangup(callSID, reason string) error {
	return s.publish(TypeHangup, HangupPayload{CallSID: callSID, Reason: reason})
}

// Register announces client presence so the server can route invites.
func (s *Stream) Register(token, clientName string) error {
	return s.publish(TypeRegister, RegisterPayload{Token: token, ClientName: clientName})
}
