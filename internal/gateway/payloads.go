package gateway

// helloData is the payload of the server's first control envelope.
type helloData struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"` // milliseconds
}

// Properties identifies the connecting client to the platform.
type Properties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// identifyData opens a fresh session.
type identifyData struct {
	Token      string     `json:"token"`
	Intents    int        `json:"intents"`
	Shard      [2]int     `json:"shard"`
	Properties Properties `json:"properties"`
}

// resumeData re-attaches to a previous session, requesting replay strictly
// after the last forwarded sequence.
type resumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// readyData is the dispatch payload acknowledging a fresh handshake.
type readyData struct {
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}
