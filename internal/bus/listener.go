// Package bus subscribes to the Odoo longpolling bus over websocket and
// nudges the scheduler into an incremental pass when the server reports
// changes, so edits land on the device without waiting for the next
// timer tick.
package bus

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	reconnectBase = 5 * time.Second
	reconnectMax  = 2 * time.Minute
)

// Notification is one decoded bus message.
type Notification struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Listener maintains the websocket subscription. onChange fires once per
// received notification burst; the scheduler debounces on its side via
// the single-flight sync flag.
type Listener struct {
	url      string
	channels []string
	onChange func()

	mu   sync.Mutex
	conn *websocket.Conn

	stop chan struct{}
	done chan struct{}
}

// New builds a listener for serverURL (http/https, rewritten to ws/wss).
func New(serverURL string, channels []string, onChange func()) *Listener {
	wsURL := strings.Replace(serverURL, "http", "ws", 1) + "/websocket"
	return &Listener{
		url:      wsURL,
		channels: channels,
		onChange: onChange,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the connect/read loop with backoff reconnects.
func (l *Listener) Start(ctx context.Context) {
	go l.run(ctx)
}

// Stop tears down the subscription and waits for the loop to exit.
func (l *Listener) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	delay := reconnectBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		default:
		}

		if err := l.session(ctx); err != nil {
			log.Printf("⚠️ Bus connection lost, retrying in %s: %v", delay, err)
		}

		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// session dials, subscribes, and reads until the connection drops.
func (l *Listener) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer func() {
		conn.Close()
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
	}()

	sub := map[string]any{
		"event_name": "subscribe",
		"data": map[string]any{
			"channels": l.channels,
			"last":     0,
		},
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	log.Printf("📡 Subscribed to bus channels %v", l.channels)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.handle(data)
	}
}

func (l *Listener) handle(data []byte) {
	var batch []Notification
	if err := json.Unmarshal(data, &batch); err != nil {
		var single Notification
		if err := json.Unmarshal(data, &single); err != nil {
			return
		}
		batch = []Notification{single}
	}
	if len(batch) == 0 {
		return
	}
	if l.onChange != nil {
		l.onChange()
	}
}
