package ws

import "encoding/json"

// Frame types produced by the hub itself.
const (
	FrameWelcome         = "welcome"
	FrameConnectionCount = "connectionCount"
	FrameEcho            = "echo"
)

// WelcomeMessage is the text of the welcome frame.
const WelcomeMessage = "Connected to server"

// Frame is the union of the hub-originated frame shapes.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message,omitempty"`
	Count     *int   `json:"count,omitempty"`
}

func welcomeFrame(sessionID string, count int) []byte {
	return mustMarshal(Frame{Type: FrameWelcome, SessionID: sessionID, Message: WelcomeMessage, Count: &count})
}

func connectionCountFrame(count int) []byte {
	return mustMarshal(Frame{Type: FrameConnectionCount, Count: &count})
}

func echoFrame(sessionID, message string) []byte {
	return mustMarshal(Frame{Type: FrameEcho, SessionID: sessionID, Message: message})
}

// mustMarshal is only used on Frame, which always encodes.
func mustMarshal(f Frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		panic(err)
	}
	return b
}
