// Package types defines the JSON bodies of the captionrelay status API.
package types

// HealthResponse is the response from /api/v1/health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime int64  `json:"uptime"`
	State  string `json:"state"`
}

// SessionResponse is the response from /api/v1/session
type SessionResponse struct {
	State       string `json:"state"`
	SessionID   string `json:"session_id,omitempty"`
	OpID        string `json:"op_id,omitempty"`
	CallID      string `json:"call_id,omitempty"`
	Number      string `json:"number,omitempty"`
	CallType    string `json:"call_type,omitempty"`
	Attempts    int    `json:"attempts"`
	Registered  bool   `json:"registered"`
	InCall      bool   `json:"in_call"`
	Test        bool   `json:"test"`
	Retrying    bool   `json:"retrying"`
	Transport   string `json:"transport"`
	Environment string `json:"environment"`
	SIP         SIPLeg `json:"sip"`
}

// SIPLeg describes the SIP side of a caption call.
type SIPLeg struct {
	State          string `json:"state"`
	RemoteRTPAddr  string `json:"remote_rtp_addr,omitempty"`
	RemoteRTPPort  int    `json:"remote_rtp_port,omitempty"`
	RemoteRTCPPort int    `json:"remote_rtcp_port,omitempty"`
}

// StatsResponse is the response from /api/v1/stats
type StatsResponse struct {
	PacketsIn      uint64       `json:"packets_in"`
	PacketsOut     uint64       `json:"packets_out"`
	Reconnects     uint64       `json:"reconnects"`
	ProtocolErrors uint64       `json:"protocol_errors"`
	Events         uint64       `json:"events"`
	Transitions    uint64       `json:"transitions"`
	Media          MediaCounter `json:"media"`
}

// MediaCounter holds RTP pinhole counters.
type MediaCounter struct {
	Remote   string `json:"remote,omitempty"`
	Sent     uint64 `json:"sent"`
	Received uint64 `json:"received"`
	Lost     uint64 `json:"lost"`
}
