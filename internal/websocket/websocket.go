package websocket_client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/SkylerRankin/speedtest_gui/internal/dispatch"
	"github.com/SkylerRankin/speedtest_gui/internal/types"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const writeTimeout = 10 * time.Second

var errHubStopped = errors.New("websocket hub is not running")

// WebsocketClient pushes every dispatched event to the connected browsers.
type WebsocketClient interface {
	dispatch.Handler
	Listen(context.Context)
	HandleConnection(w http.ResponseWriter, r *http.Request) error
	Broadcast([]byte)
}

var _ WebsocketClient = &websocketClient{}

type websocketClient struct {
	log      *slog.Logger
	upgrader websocket.Upgrader

	connectionsMutex sync.Mutex
	connections      map[*websocket.Conn]*connection

	register   chan *connection
	unregister chan *websocket.Conn
	done       chan struct{}
}

// connection queues outbound messages for one browser. The queue is unbounded;
// a peer that stops reading is dropped once a write exceeds writeTimeout.
type connection struct {
	conn *websocket.Conn

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
	closed chan struct{}
}

func newConnection(conn *websocket.Conn) *connection {
	return &connection{
		conn:   conn,
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (c *connection) push(message []byte) {
	c.mu.Lock()
	c.queue = append(c.queue, message)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *connection) take() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	batch := c.queue
	c.queue = nil
	return batch
}

func NewWebsocketClient(log *slog.Logger) WebsocketClient {
	return &websocketClient{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections: make(map[*websocket.Conn]*connection),
		register:    make(chan *connection),
		unregister:  make(chan *websocket.Conn),
		done:        make(chan struct{}),
	}
}

// Listen owns registration until ctx is done, then closes every connection.
func (c *websocketClient) Listen(ctx context.Context) {
	defer close(c.done)
	defer c.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case conn := <-c.register:
			c.connectionsMutex.Lock()
			c.connections[conn.conn] = conn
			c.connectionsMutex.Unlock()
			c.log.Info("registered connection", "address", conn.conn.RemoteAddr().String())
			go c.writePump(conn)
		case conn := <-c.unregister:
			c.remove(conn)
		}
	}
}

func (c *websocketClient) remove(conn *websocket.Conn) {
	c.connectionsMutex.Lock()
	client, ok := c.connections[conn]
	delete(c.connections, conn)
	c.connectionsMutex.Unlock()

	if !ok {
		return
	}
	c.log.Info("unregistered connection", "address", conn.RemoteAddr().String())
	close(client.closed)
	conn.Close()
}

func (c *websocketClient) closeAll() {
	c.connectionsMutex.Lock()
	conns := make([]*websocket.Conn, 0, len(c.connections))
	for conn := range c.connections {
		conns = append(conns, conn)
	}
	c.connectionsMutex.Unlock()

	for _, conn := range conns {
		c.remove(conn)
	}
}

func (c *websocketClient) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return errors.Wrap(err, "failed to upgrade http connection to websocket")
	}

	select {
	case c.register <- newConnection(conn):
	case <-c.done:
		conn.Close()
		return errHubStopped
	}

	go c.readPump(conn)
	return nil
}

// readPump discards client messages and reports the connection once it
// closes. Browsers never send anything meaningful.
func (c *websocketClient) readPump(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}
	c.drop(conn)
}

// writePump is the only writer on conn.
func (c *websocketClient) writePump(client *connection) {
	for {
		select {
		case <-client.closed:
			return
		case <-client.notify:
			for _, message := range client.take() {
				client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
					c.log.Info("broadcast message failed", "address", client.conn.RemoteAddr().String(), "err", err)
					c.drop(client.conn)
					return
				}
			}
		}
	}
}

func (c *websocketClient) drop(conn *websocket.Conn) {
	select {
	case c.unregister <- conn:
	case <-c.done:
	}
}

// Broadcast queues message for every connected browser and never blocks.
func (c *websocketClient) Broadcast(message []byte) {
	c.connectionsMutex.Lock()
	defer c.connectionsMutex.Unlock()

	for _, client := range c.connections {
		client.push(message)
	}
}

func (c *websocketClient) OnProgress(event types.Event)  { c.send(event) }
func (c *websocketClient) OnCompleted(event types.Event) { c.send(event) }
func (c *websocketClient) OnError(event types.Event)     { c.send(event) }

func (c *websocketClient) send(event types.Event) {
	message, err := json.Marshal(event)
	if err != nil {
		c.log.Error("failed to marshal event", "run_id", event.RunID, "kind", event.Kind, "err", err)
		return
	}
	c.Broadcast(message)
}

func (c *websocketClient) connectionCount() int {
	c.connectionsMutex.Lock()
	defer c.connectionsMutex.Unlock()
	return len(c.connections)
}
