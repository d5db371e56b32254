// ABOUTME: Handshake parameter shapes for the "connect" request and its hello payload.
// ABOUTME: Also lists the method names the node and operator surfaces use.

package protocol

// ProtocolVersion is the only protocol revision this node speaks.
const ProtocolVersion = 3

// Method names.
const (
	MethodConnect          = "connect"
	EventConnectChallenge  = "connect.challenge"
	MethodNodeInvoke       = "node.invoke"
	EventNodeInvokeRequest = "node.invoke.request"
	MethodNodeInvokeResult = "node.invoke.result"
	MethodNodeList         = "node.list"
	MethodPairList         = "device.pair.list"
	MethodPairApprove      = "device.pair.approve"
	MethodPairReject       = "device.pair.reject"
	EventPairRequested     = "device.pair.requested"
	EventPairResolved      = "device.pair.resolved"
	EventTick              = "tick"
)

// Roles a connection can request.
const (
	RoleNode     = "node"
	RoleOperator = "operator"
)

// ConnectParams is the handshake request body.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Auth        AuthParams   `json:"auth"`
	Role        string       `json:"role"`
	Scopes      []string     `json:"scopes"`
	Caps        []string     `json:"caps,omitempty"`
	Commands    []string     `json:"commands,omitempty"`
	Device      *DeviceProof `json:"device,omitempty"`
}

// ClientInfo describes the connecting program.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
	InstanceID  string `json:"instanceId,omitempty"`
}

// AuthParams carries the bearer credential.
type AuthParams struct {
	Token string `json:"token,omitempty"`
}

// DeviceProof binds the connection to a device key. The signature covers
// "signedAt|nonce".
type DeviceProof struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// Challenge is the payload of a connect.challenge event.
type Challenge struct {
	Nonce string `json:"nonce"`
	TS    int64  `json:"ts"`
}

// Hello is the subset of the connect response payload the node cares about.
type Hello struct {
	Type     string `json:"type,omitempty"`
	Protocol int    `json:"protocol,omitempty"`
	NodeID   string `json:"nodeId,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	Server   struct {
		Version string `json:"version,omitempty"`
		ConnID  string `json:"connId,omitempty"`
	} `json:"server"`
}
