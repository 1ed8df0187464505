package websocket

import (
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type socketClient struct {
	id     uuid.UUID
	socket *websocket.Conn
}

func (client *socketClient) SendMessage(message *SocketMessage) error {
	return client.socket.WriteJSON(message)
}

// Read blocks until the client disconnects. Clients are not permitted
// to send anything meaningful to the hub, so any message received is
// discarded. The error which closed the connection is returned.
func (client *socketClient) Read() error {
	for {
		if _, _, err := client.socket.ReadMessage(); err != nil {
			return err
		}
	}
}

// Close will close this clients socket
func (client *socketClient) Close() {
	client.socket.Close()
}
