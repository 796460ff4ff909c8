package socketclient

// clientFrame is any outbound frame. A chat request carries Messages
// and no Type; control frames carry Type only.
type clientFrame struct {
	Type     string        `json:"type,omitempty"`
	Messages []chatMessage `json:"messages,omitempty"`
	Model    string        `json:"model,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// serverFrame is any inbound frame
type serverFrame struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}
