// ABOUTME: End-to-end scenarios through the fake gateway with a real node session and an operator session.
// ABOUTME: Covers pairing approval, node.list, and node.invoke relayed in both invocation forms.

package gatewaytest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-node/internal/auth"
	"github.com/2389/coven-node/internal/dispatch"
	"github.com/2389/coven-node/internal/gateway"
	"github.com/2389/coven-node/internal/pairing"
	"github.com/2389/coven-node/internal/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dialOperator(t *testing.T, gw *Server, token string) *gateway.Session {
	t.Helper()
	s, err := gateway.Connect(testContext(t), gateway.Config{
		URL:    gw.URL(),
		Token:  token,
		Role:   protocol.RoleOperator,
		Scopes: []string{"operator.admin"},
		Client: protocol.ClientInfo{ID: "operator", Version: "test", Platform: "linux", Mode: "cli"},
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// dialNode connects a node whose only command is test.whoami.
func dialNode(t *testing.T, gw *Server, id *auth.Identity, token string) (*gateway.Session, error) {
	t.Helper()
	reg := dispatch.NewRegistry(quietLogger())
	require.NoError(t, reg.RegisterPack(&dispatch.Pack{ID: "test", Commands: []*dispatch.Command{{
		Name: "test.whoami",
		Handler: func(_ context.Context, inv *protocol.Invocation, _ json.RawMessage) (any, error) {
			return map[string]string{"nodeId": inv.NodeID}, nil
		},
	}}}))
	d := dispatch.New(dispatch.Config{Registry: reg, Logger: quietLogger()})

	s, err := gateway.Connect(testContext(t), gateway.Config{
		URL:      gw.URL(),
		Token:    token,
		Client:   protocol.ClientInfo{ID: "workstation", DisplayName: "Workstation", Version: "test", Platform: "linux", Mode: "node"},
		Commands: reg.Names(),
		Inbound:  []string{protocol.MethodNodeInvoke, protocol.EventNodeInvokeRequest},
		Device:   id,
		Logger:   quietLogger(),
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx, s, s.Inbound().C)
	t.Cleanup(func() {
		cancel()
		_ = s.Close()
	})
	return s, nil
}

func TestPairingScenario(t *testing.T) {
	gw := Start(t, Options{Token: "secret", RequirePairing: true, Logger: quietLogger()})
	id, err := auth.GenerateIdentity()
	require.NoError(t, err)

	_, err = dialNode(t, gw, id, "secret")
	var he *gateway.HandshakeError
	require.True(t, errors.As(err, &he), "got %v", err)
	assert.True(t, he.PairingRequired())

	op := dialOperator(t, gw, "secret")
	client := pairing.NewClient(op, pairing.WithLogger(quietLogger()))

	listing, err := client.List(testContext(t))
	require.NoError(t, err)
	require.Len(t, listing.Pending, 1)
	assert.Equal(t, id.DeviceID(), listing.Pending[0].DeviceID)

	require.NoError(t, client.Approve(testContext(t), listing.Pending[0].RequestID))
	listing, err = client.List(testContext(t))
	require.NoError(t, err)
	assert.Empty(t, listing.Pending)
	assert.Equal(t, []string{id.DeviceID()}, listing.Paired)

	err = client.Approve(testContext(t), "no-such-request")
	assert.ErrorIs(t, err, pairing.ErrNotFound)

	node, err := dialNode(t, gw, id, "secret")
	require.NoError(t, err)
	assert.Equal(t, id.DeviceID(), node.NodeID())

	nodes, err := client.ListNodes(testContext(t))
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "Workstation", nodes[0].DisplayName)
	assert.Equal(t, []string{"test.whoami"}, nodes[0].Commands)

	nodeID, err := client.ResolveNodeID(testContext(t), "workstation", id.DeviceID())
	require.NoError(t, err)
	assert.Equal(t, id.DeviceID(), nodeID)
}

func TestInvokeScenario(t *testing.T) {
	for _, form := range []string{FormRequest, FormEvent} {
		t.Run(form, func(t *testing.T) {
			gw := Start(t, Options{InvokeForm: form, Challenge: true, Logger: quietLogger()})
			id, err := auth.GenerateIdentity()
			require.NoError(t, err)
			_, err = dialNode(t, gw, id, "")
			require.NoError(t, err)

			op := dialOperator(t, gw, "")
			res, err := op.Request(testContext(t), protocol.MethodNodeInvoke, map[string]any{
				"nodeId":         id.DeviceID(),
				"command":        "test.whoami",
				"params":         map[string]any{},
				"idempotencyKey": "k-1",
			})
			require.NoError(t, err)
			r := protocol.NormalizeInvoke(res)
			require.True(t, r.HasInner)
			require.True(t, r.OK(), "error: %v", r.Err())
			assert.JSONEq(t, `{"nodeId":"`+id.DeviceID()+`"}`, string(r.Payload()))

			res, err = op.Request(testContext(t), protocol.MethodNodeInvoke, map[string]any{
				"nodeId":  "nobody",
				"command": "test.whoami",
			})
			require.NoError(t, err)
			assert.False(t, res.OK)
			assert.Equal(t, protocol.CodeNotFound, res.Error.Code)
		})
	}
}

func TestHandshakeChecks(t *testing.T) {
	t.Run("wrong token", func(t *testing.T) {
		gw := Start(t, Options{Token: "secret", Logger: quietLogger()})
		id, err := auth.GenerateIdentity()
		require.NoError(t, err)
		_, err = dialNode(t, gw, id, "wrong")
		var he *gateway.HandshakeError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, CodeUnauthorized, he.Code)
		assert.False(t, he.PairingRequired())
	})

	t.Run("jwt token", func(t *testing.T) {
		jwt := auth.NewJWTVerifier([]byte("k"))
		token, err := jwt.Generate("node", time.Hour)
		require.NoError(t, err)
		gw := Start(t, Options{JWT: jwt, Logger: quietLogger()})

		id, err := auth.GenerateIdentity()
		require.NoError(t, err)
		_, err = dialNode(t, gw, id, token)
		require.NoError(t, err)

		expired, err := jwt.Generate("node", -time.Hour)
		require.NoError(t, err)
		_, err = dialNode(t, gw, id, expired)
		assert.Error(t, err)
	})

	t.Run("proof must sign the challenge nonce", func(t *testing.T) {
		gw := Start(t, Options{Challenge: true, Logger: quietLogger()})
		id, err := auth.GenerateIdentity()
		require.NoError(t, err)

		_, err = gateway.Connect(testContext(t), gateway.Config{
			URL:    gw.URL(),
			Client: protocol.ClientInfo{ID: "stale", Version: "test", Platform: "linux", Mode: "node"},
			Device: ownNonceSigner{id},
			Logger: quietLogger(),
		})
		var he *gateway.HandshakeError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, CodeUnauthorized, he.Code)
		assert.Contains(t, he.Message, "challenge")

		_, err = dialNode(t, gw, id, "")
		require.NoError(t, err)
	})

	t.Run("node without device is refused", func(t *testing.T) {
		gw := Start(t, Options{Logger: quietLogger()})
		_, err := gateway.Connect(testContext(t), gateway.Config{
			URL:    gw.URL(),
			Client: protocol.ClientInfo{ID: "anon", Version: "test", Platform: "linux", Mode: "node"},
			Logger: quietLogger(),
		})
		var he *gateway.HandshakeError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, protocol.CodeInvalidParams, he.Code)
	})
}

// ownNonceSigner ignores the gateway's challenge and signs a nonce of its own.
type ownNonceSigner struct {
	*auth.Identity
}

func (s ownNonceSigner) ProofWithNonce(string) (*protocol.DeviceProof, error) {
	return s.Proof()
}
