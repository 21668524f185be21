package relay

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// Transport is the minimal message-oriented connection the relay client
// drives. *websocket.Conn satisfies it through wsTransport; tests inject
// in-memory fakes.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc opens a Transport to the given URL.
type DialFunc func(url string) (Transport, error)

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// DialWebSocket is the production DialFunc.
func DialWebSocket(url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}
	return &wsTransport{conn: conn}, nil
}
