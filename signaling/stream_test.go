package signaling

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStream(t *testing.T) *Stream {
	t.Helper()
	tr, err := NewTransport([]string{"ws://127.0.0.1:1/signal"}, TransportOptions{})
	require.NoError(t, err)
	return NewStream(tr)
}

func TestDispatchTypedEvents(t *testing.T) {
	s := newTestStream(t)

	var invites []InvitePayload
	var answers []AnswerPayload
	var ringings []RingingPayload
	var hangups []HangupPayload
	var cancels []CancelPayload
	var serverErrs []ErrorPayload

	s.HandleInvite(func(p InvitePayload) { invites = append(invites, p) })
	s.HandleAnswer(func(p AnswerPayload) { answers = append(answers, p) })
	s.HandleRinging(func(p RingingPayload) { ringings = append(ringings, p) })
	s.HandleHangup(func(p HangupPayload) { hangups = append(hangups, p) })
	s.HandleCancel(func(p CancelPayload) { cancels = append(cancels, p) })
	s.HandleServerError(func(p ErrorPayload) { serverErrs = append(serverErrs, p) })

	s.dispatch([]byte(`{"type":"invite","payload":{"callsid":"CA1","sdp":"v=0","params":{"From":"alice"}}}`))
	s.dispatch([]byte(`{"type":"answer","payload":{"callsid":"CA1","sdp":"v=0 answer"}}`))
	s.dispatch([]byte(`{"type":"ringing","payload":{"callsid":"CA1","hasEarlyMedia":true}}`))
	s.dispatch([]byte(`{"type":"hangup","payload":{"callsid":"CA1","reason":"busy"}}`))
	s.dispatch([]byte(`{"type":"cancel","payload":{"callsid":"CA1"}}`))
	s.dispatch([]byte(`{"type":"error","payload":{"code":31002,"message":"bad token"}}`))

	require.Len(t, invites, 1)
	assert.Equal(t, "CA1", invites[0].CallSID)
	assert.Equal(t, "alice", invites[0].Params["From"])

	require.Len(t, answers, 1)
	assert.Equal(t, "v=0 answer", answers[0].SDP)

	require.Len(t, ringings, 1)
	assert.True(t, ringings[0].HasEarlyMedia)

	require.Len(t, hangups, 1)
	assert.Equal(t, "busy", hangups[0].Reason)

	require.Len(t, cancels, 1)
	require.Len(t, serverErrs, 1)
	assert.Equal(t, 31002, serverErrs[0].Code)
}

func TestDispatchProtocolErrors(t *testing.T) {
	s := newTestStream(t)

	var errs []error
	s.HandleError(func(err error) { errs = append(errs, err) })

	s.dispatch([]byte(`not json`))
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrMalformedMessage)

	s.dispatch([]byte(`{"type":"teleport","payload":{}}`))
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[1], ErrUnknownMessageType)

	s.dispatch([]byte(`{"type":"invite","payload":"not an object"}`))
	require.Len(t, errs, 3)
	assert.ErrorIs(t, errs[2], ErrMalformedMessage)
}

func TestPublishRequiresConnection(t *testing.T) {
	s := newTestStream(t)

	err := s.Invite("", "v=0", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, StateClosed, s.Status())
}

func TestPublishWireFormat(t *testing.T) {
	ws := newWSServer(t)
	tr, err := NewTransport([]string{ws.url()}, TransportOptions{})
	require.NoError(t, err)
	s := NewStream(tr)

	opened := make(chan struct{})
	s.HandleConnected(func() { close(opened) })
	s.Open()
	defer s.Close()

	select {
	case <-opened:
	case <-time.After(3 * time.Second):
		t.Fatal("stream never connected")
	}
	assert.Equal(t, StateOpen, s.Status())

	require.NoError(t, s.Invite("", "v=0 offer", map[string]string{"To": "bob"}))
	require.NoError(t, s.Answer("CA9", "v=0 answer"))
	require.NoError(t, s.Reinvite("CA9", "v=0 restart"))
	require.NoError(t, s.DTMF("CA9", "42#"))
	require.NoError(t, s.Hangup("CA9", "completed"))
	require.NoError(t, s.Register("tok", "client-7"))

	expectType := func(wantType string) envelope {
		t.Helper()
		select {
		case raw := <-ws.received:
			var env envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			require.Equal(t, wantType, env.Type)
			return env
		case <-time.After(3 * time.Second):
			t.Fatalf("server never received %s frame", wantType)
			return envelope{}
		}
	}

	inv := expectType(TypeInvite)
	var invite InvitePayload
	require.NoError(t, json.Unmarshal(inv.Payload, &invite))
	assert.Equal(t, "v=0 offer", invite.SDP)
	assert.Equal(t, "bob", invite.Params["To"])
	assert.Empty(t, invite.CallSID, "outbound invite has no call sid until the server assigns one")

	expectType(TypeAnswer)
	expectType(TypeReinvite)

	dtmf := expectType(TypeDTMF)
	var digits DTMFPayload
	require.NoError(t, json.Unmarshal(dtmf.Payload, &digits))
	assert.Equal(t, "42#", digits.Digits)

	expectType(TypeHangup)

	reg := expectType(TypeRegister)
	var register RegisterPayload
	require.NoError(t, json.Unmarshal(reg.Payload, &register))
	assert.Equal(t, "client-7", register.ClientName)
}
