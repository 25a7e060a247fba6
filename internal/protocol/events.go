package protocol

// Event names.
const (
	EventConnectChallenge  = "connect.challenge"
	EventTick              = "tick"
	EventShutdown          = "shutdown"
	EventCron              = "cron"
	EventStoreReset        = "store.reset"
	EventNodeInvokeRequest = "node.invoke.request"
	EventHeartbeat         = "heartbeat"
)

// HelloOK is the handshake success payload.
type HelloOK struct {
	Event           string   `json:"event"`
	ProtocolVersion int      `json:"protocolVersion"`
	ServerVersion   string   `json:"serverVersion"`
	Capabilities    []string `json:"capabilities,omitempty"`
}

// ChallengePayload carries the random nonce sent on connection open.
type ChallengePayload struct {
	Nonce string `json:"nonce"`
}

// ConnectParams is the handshake request body.
type ConnectParams struct {
	MinProtocol int            `json:"minProtocol"`
	MaxProtocol int            `json:"maxProtocol"`
	Client      ClientInfo     `json:"client"`
	Auth        AuthParams     `json:"auth"`
	Device      *DeviceIdentity `json:"device,omitempty"`
	Role        string         `json:"role,omitempty"`
	Caps        []string       `json:"caps,omitempty"`
	Commands    []string       `json:"commands,omitempty"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Version     string `json:"version,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Mode        string `json:"mode,omitempty"`
}

// AuthParams carries whichever credential the client presents.
type AuthParams struct {
	Token    string `json:"token,omitempty"`
	Password string `json:"password,omitempty"`
}

// DeviceIdentity is a signed device credential. Signature covers the
// canonical payload string of the other fields; Token must equal the
// connection's challenge nonce.
type DeviceIdentity struct {
	DeviceID   string   `json:"deviceId"`
	ClientID   string   `json:"clientId"`
	Role       string   `json:"role"`
	Scopes     []string `json:"scopes"`
	SignedAtMs int64    `json:"signedAtMs"`
	Token      string   `json:"token"`
	Signature  string   `json:"signature"`
}
