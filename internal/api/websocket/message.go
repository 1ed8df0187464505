package websocket

import "github.com/google/uuid"

type socketMessageType int

const (
	Update socketMessageType = iota
	Welcome
)

// SocketMessage is a single message pushed to the connected clients.
// A message with a Target is delivered only to the client with the
// matching ID; otherwise it is broadcast.
type SocketMessage struct {
	Title  string            `json:"title"`
	Body   map[string]any    `json:"arguments"`
	Type   socketMessageType `json:"type"`
	Target *uuid.UUID        `json:"-"`
}
