package signaling

import "encoding/json"

// Message type discriminators on the signaling wire. Frames are JSON
// objects {"type": ..., "payload": {...}}, newline-delimited, with a
// bare "\n" reserved as the transport heartbeat.
const (
	TypeInvite   = "invite"
	TypeAnswer   = "answer"
	TypeRinging  = "ringing"
	TypeHangup   = "hangup"
	TypeCancel   = "cancel"
	TypeError    = "error"
	TypeReinvite = "reinvite"
	TypeDTMF     = "dtmf"
	TypeRegister = "register"
)

// envelope is the wire framing around every signaling payload.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InvitePayload initiates a call: an SDP offer plus application-defined
// parameters. CallSID is set on inbound invites (server-assigned) and
// empty on outbound ones until the server acknowledges.
type InvitePayload struct {
	CallSID string            `json:"callsid,omitempty"`
	SDP     string            `json:"sdp"`
	Params  map[string]string `json:"params,omitempty"`
}

// AnswerPayload carries the SDP answer for a negotiated call.
type AnswerPayload struct {
	CallSID string `json:"callsid,omitempty"`
	SDP     string `json:"sdp"`
}

// RingingPayload acknowledges an outbound invite. HasEarlyMedia marks
// whether the provided SDP carries pre-answer audio.
type RingingPayload struct {
	CallSID       string `json:"callsid"`
	SDP           string `json:"sdp,omitempty"`
	HasEarlyMedia bool   `json:"hasEarlyMedia"`
}

// HangupPayload terminates a call from either side.
type HangupPayload struct {
	CallSID string `json:"callsid,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// CancelPayload withdraws a pending invite before it was answered.
type CancelPayload struct {
	CallSID string `json:"callsid"`
}

// ErrorPayload is a server-reported protocol or call error.
type ErrorPayload struct {
	CallSID string `json:"callsid,omitempty"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DTMFPayload relays dialed digits over the signaling channel.
type DTMFPayload struct {
	CallSID string `json:"callsid"`
	Digits  string `json:"dtmf"`
}

// RegisterPayload announces client presence so it can receive invites.
type RegisterPayload struct {
	Token      string `json:"token"`
	ClientName string `json:"clientname,omitempty"`
}
