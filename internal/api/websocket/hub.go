package websocket

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hbomb79/Clipsync/pkg/logger"
)

var socketLogger = logger.Get("WebSocket")

// SocketHub is the struct responsible for managing
// the websocket upgrading, connecting and pushing
// of messages to the connected clients.
type SocketHub struct {
	upgrader           *websocket.Upgrader
	clients            []*socketClient
	registerCh         chan *socketClient
	deregisterCh       chan *socketClient
	sendCh             chan *SocketMessage
	doneCh             chan struct{}
	connectionCallback func() map[string]any
	running            atomic.Bool
}

// Returns a new SocketHub with the channels,
// maps and slices initialised to sane starting
// values
func New() *SocketHub {
	return &SocketHub{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:      make([]*socketClient, 0),
		registerCh:   make(chan *socketClient),
		deregisterCh: make(chan *socketClient),
		sendCh:       make(chan *SocketMessage),
		doneCh:       make(chan struct{}),
	}
}

// WithConnectionCallback sets a callback that will be executed each time a new client
// connects to this socketHub. This allows the client to be furnished with a payload
// of the current state, without having to wait for an UPDATE packet.
func (hub *SocketHub) WithConnectionCallback(callback func() map[string]any) {
	hub.connectionCallback = callback
}

// Start runs the socket hub, listening on all related channels
// for incoming clients and messages, until the context is cancelled.
// A hub cannot be restarted once it has stopped.
func (hub *SocketHub) Start(ctx context.Context) {
	if !hub.running.CompareAndSwap(false, true) {
		socketLogger.Emit(logger.WARNING, "Attempting to start socketHub when already running! Ignoring request.\n")
		return
	}
	socketLogger.Emit(logger.INFO, "Opening SocketHub!\n")

	defer hub.close()
	for {
		select {
		case message := <-hub.sendCh:
			if message.Target != nil {
				if _, client := hub.findClient(*message.Target); client != nil {
					if err := client.SendMessage(message); err != nil {
						socketLogger.Emit(logger.ERROR, "Failed to send message to target {%v}: %v\n", message.Target, err)
					}
				} else {
					socketLogger.Emit(logger.WARNING, "Attempted to send message to target {%v}, but no matching client was found.\n", message.Target)
				}

				break
			}

			hub.broadcastMessage(message)
		case client := <-hub.registerCh:
			hub.clients = append(hub.clients, client)
			socketLogger.Emit(logger.NEW, "Registered new client {%v}\n", client.id)
		case client := <-hub.deregisterCh:
			if idx, _ := hub.findClient(client.id); idx != -1 {
				hub.clients = append(hub.clients[:idx], hub.clients[idx+1:]...)
				socketLogger.Emit(logger.REMOVE, "Deregistered client {%v}\n", client.id)
			}
		case <-ctx.Done():
			socketLogger.Emit(logger.REMOVE, "Shutting down socket hub! Closing all clients.\n")
			return
		}
	}
}

// Send accepts a socket message and will emit this message on
// the send channel. The message is dropped if the hub is not running.
func (hub *SocketHub) Send(message *SocketMessage) {
	if !hub.running.Load() {
		socketLogger.Emit(logger.VERBOSE, "Dropping socket message %s, hub is offline\n", message.Title)
		return
	}

	select {
	case hub.sendCh <- message:
	case <-hub.doneCh:
	}
}

// UpgradeToSocket upgrades a given HTTP request to a websocket and adds the new
// client to the hub. It blocks until the client disconnects.
func (hub *SocketHub) UpgradeToSocket(w http.ResponseWriter, r *http.Request) {
	if !hub.running.Load() {
		socketLogger.Emit(logger.ERROR, "Failed to upgrade incoming HTTP request to a websocket: SocketHub has not been started!\n")
		http.Error(w, "activity stream unavailable", http.StatusServiceUnavailable)
		return
	}

	sock, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		socketLogger.Emit(logger.ERROR, "Failed to upgrade incoming HTTP request to a websocket: %v\n", err)
		return
	}

	client := &socketClient{id: uuid.New(), socket: sock}
	select {
	case hub.registerCh <- client:
	case <-hub.doneCh:
		client.Close()
		return
	}

	var body map[string]any
	if hub.connectionCallback != nil {
		body = hub.connectionCallback()
	}
	if body == nil {
		body = make(map[string]any)
	}
	body["client"] = client.id

	hub.Send(&SocketMessage{
		Title:  "CONNECTION_ESTABLISHED",
		Body:   body,
		Target: &client.id,
		Type:   Welcome,
	})

	defer func() {
		select {
		case hub.deregisterCh <- client:
		case <-hub.doneCh:
		}
		client.Close()
	}()

	if err := client.Read(); err != nil {
		socketLogger.Emit(logger.DEBUG, "Client {%v} closed: %v\n", client.id, err)
	}
}

// close closes all connected clients and marks the hub as stopped.
func (hub *SocketHub) close() {
	hub.running.Store(false)
	close(hub.doneCh)

	for _, client := range hub.clients {
		client.Close()
	}

	hub.clients = nil
	socketLogger.Emit(logger.STOP, "Socket hub is now closed!\n")
}

// findClient returns the index and client with the matching uuid if
// one can be found; otherwise -1 and nil.
func (hub *SocketHub) findClient(id uuid.UUID) (int, *socketClient) {
	for idx, client := range hub.clients {
		if client.id == id {
			return idx, client
		}
	}

	return -1, nil
}

// broadcastMessage sends the provided message to every connected
// client. A client which cannot be written to is skipped; its read
// loop will deregister it.
func (hub *SocketHub) broadcastMessage(message *SocketMessage) {
	for _, client := range hub.clients {
		if err := client.SendMessage(message); err != nil {
			socketLogger.Emit(logger.WARNING, "Failed to send %s to client {%v}: %v\n", message.Title, client.id, err)
		}
	}
}
