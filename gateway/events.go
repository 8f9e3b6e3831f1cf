package gateway

// helloPayload is OP 8.
type helloPayload struct {
	HeartbeatIntervalMS float64 `json:"heartbeat_interval"`
}

// readyPayload is OP 2.
type readyPayload struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// sessionDescriptionPayload is OP 4.
type sessionDescriptionPayload struct {
	Mode      string    `json:"mode"`
	SecretKey [32]byte  `json:"secret_key"`
}

// identifyPayload is OP 0.
type identifyPayload struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// selectProtocolData is the nested `data` object of OP 1.
type selectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

// selectProtocolPayload is OP 1.
type selectProtocolPayload struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolData `json:"data"`
}

// SpeakingFlags are the bitflags carried by OP 5.
type SpeakingFlags uint32

const (
	SpeakingMic        SpeakingFlags = 1 << 0
	SpeakingSoundshare SpeakingFlags = 1 << 1
	SpeakingPriority   SpeakingFlags = 1 << 2
)

// speakingPayload is OP 5, sent and received.
type speakingPayload struct {
	Speaking SpeakingFlags `json:"speaking"`
	Delay    uint32        `json:"delay"`
	SSRC     uint32        `json:"ssrc"`
}

// resumePayload is OP 6. Seq is the last received dispatch sequence,
// so the server can replay anything missed since.
type resumePayload struct {
	ServerID  string `json:"server_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	Seq       int    `json:"seq_ack"`
}

// Ready is the exported, decoded form of the READY event, returned to
// the Supervisor once SESSION_DESCRIPTION also arrives.
type Ready struct {
	SSRC  uint32
	IP    string
	Port  int
	Modes []string
}

// SessionDescription is the exported, decoded form of the
// SESSION_DESCRIPTION event.
type SessionDescription struct {
	Mode      string
	SecretKey [32]byte
}
