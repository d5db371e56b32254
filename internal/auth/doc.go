// Package auth holds the node's cryptographic device identity and bearer token helpers.
//
// # Device Identity
//
// Each node owns an ed25519 key stored in OpenSSH format. The device id sent to
// the gateway is the SHA256 fingerprint of the marshaled public key, lowercase
// hex without colons:
//
//	id, err := auth.LoadOrCreateIdentity(path)
//	proof, err := id.Proof()   // signs "signedAt|nonce"
//
// The same scheme is checked by ProofVerifier, which the fake gateway uses to
// authenticate nodes in tests.
//
// # Tokens
//
// Gateway tokens are opaque to the node. When a token happens to be a JWT,
// InspectToken reads its claims without verifying them so the node can warn
// about expiry before dialing. JWTVerifier verifies and mints HS256 tokens on
// the gateway side.
package auth
