package web

import "encoding/json"

// Frame types on the wire. One JSON object per text frame.
const (
	// client -> server control frames
	FrameTypePing         = "ping"
	FrameTypeClearHistory = "clear_history"

	// server -> client frames
	FrameTypeDelta          = "delta"
	FrameTypeDone           = "done"
	FrameTypeError          = "error"
	FrameTypePong           = "pong"
	FrameTypeHistoryCleared = "history_cleared"
	FrameTypeSession        = "session"
)

// ClientFrame is any inbound frame. A chat request carries Messages
// and no Type; control frames carry Type only.
type ClientFrame struct {
	Type     string        `json:"type,omitempty"`
	Messages []ChatMessage `json:"messages,omitempty"`
	Model    string        `json:"model,omitempty"`
}

// ChatMessage mirrors one history entry in a chat request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ServerFrame is any outbound frame
type ServerFrame struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// IsChat reports whether the frame is a chat request
func (f *ClientFrame) IsChat() bool {
	return f.Type == "" && len(f.Messages) > 0
}

// UserContent returns the content of the first user-role message
func (f *ClientFrame) UserContent() (string, bool) {
	for _, m := range f.Messages {
		if m.Role == "user" {
			return m.Content, true
		}
	}
	return "", false
}

func deltaFrame(text string) *ServerFrame {
	return &ServerFrame{Type: FrameTypeDelta, Text: text}
}

func doneFrame() *ServerFrame {
	return &ServerFrame{Type: FrameTypeDone}
}

func errorFrame(reason string) *ServerFrame {
	return &ServerFrame{Type: FrameTypeError, Error: reason}
}

func sessionFrame(id string) *ServerFrame {
	return &ServerFrame{Type: FrameTypeSession, SessionID: id}
}

// Encode marshals the frame for the write pump
func (f *ServerFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
