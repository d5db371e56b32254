// Package gateway is the node's side of the gateway wire protocol.
//
// # Session
//
// Connect dials the gateway over WebSocket, sends the "connect" request with
// the client info, role, advertised commands and a signed device proof, and
// waits up to HandshakeTimeout for the response:
//
//	s, err := gateway.Connect(ctx, gateway.Config{
//	    URL:      "ws://gateway:18789/ws",
//	    Token:    token,
//	    Client:   protocol.ClientInfo{ID: "workstation", Version: version, Platform: "linux", Mode: "node"},
//	    Commands: registry.Names(),
//	    Device:   identity,
//	})
//
// A device waits up to ChallengeWait for a connect.challenge event and signs
// its nonce; without one it signs a nonce of its own. Any failure before
// authentication is a *HandshakeError;
// PairingRequired reports the rejection an operator can fix by approving the
// device.
//
// # Correlation
//
// Outbound requests get a UUID id and a pending entry in the Correlator. The
// read loop hands each response to the entry with the same id; a response for
// an unknown id is published to the event sink instead. Await gives up after
// its timeout without cancelling anything on the gateway.
//
// # Events
//
// Events, inbound requests (such as node.invoke) and stray responses go to an
// EventSink. Each Subscription has a bounded buffer and drops frames rather
// than block the read loop. Dropped frames are counted and logged. The
// Config.Inbound queue answers overflowing requests and node.invoke.request
// events with UNAVAILABLE instead.
package gateway
