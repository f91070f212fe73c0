// Package voice is a client SDK for placing and receiving WebRTC
// voice calls through a signaling server.
//
// A Client owns the signaling connection and the shared media engine.
// It registers the client's presence, routes inbound signaling frames
// to their calls and builds a fresh media session and quality monitor
// per call:
//
//	client, err := voice.New(voice.Options{
//		Endpoints: []string{"wss://sig1.example.com/ws", "wss://sig2.example.com/ws"},
//		Token:     token,
//		Capture:   openMicrophone,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	client.SetIncomingCallCallback(func(c *call.Call) {
//		c.Accept(context.Background())
//	})
//	client.Listen()
//
// The signaling transport fails over between endpoints with jittered
// exponential backoff; registration repeats automatically on every
// reconnect. See the call, media, monitor and signaling packages for
// the individual subsystems.
package voice
