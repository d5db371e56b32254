// Package agent runs the node: it owns the instance lock, keeps one gateway
// session alive and feeds inbound invocations to the dispatcher.
//
// # Runner
//
//	r := agent.New(agent.Config{
//	    Session:    gatewayCfg,
//	    Dispatcher: disp,
//	    Arbiter:    arbiter,
//	    Role:       instance.RoleRunner,
//	})
//	err := r.Run(ctx)
//
// When Arbiter is set, Run takes NodeOwner before dialing. Callers that
// build other components first, like the coven-node binary, acquire it
// themselves and leave Arbiter nil.
//
// Run returns nil when ctx is cancelled. It returns an error when ownership
// is denied, the handshake times out, or the gateway rejects the handshake
// for any reason other than pairing.
//
// # Reconnects
//
// A lost connection or a failed dial is retried with exponential backoff
// between ReconnectMin and ReconnectMax. A PAIRING_REQUIRED rejection logs
// the device id an operator must approve and retries every PairingRetry.
// Each new session advertises the registry's command names again.
package agent
