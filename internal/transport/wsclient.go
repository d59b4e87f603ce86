package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// WSClientConfig configures the websocket link to the backend.
type WSClientConfig struct {
	// URL is the backend endpoint without the charge point id suffix,
	// e.g. wss://backend.example.com/ocpp.
	URL           string
	ChargePointID string
	Subprotocol   string
	DialTimeout   time.Duration
	ReconnectWait time.Duration
	// InboundBuffer caps frames buffered between the reader goroutine and
	// the engine tick.
	InboundBuffer int
}

func (c *WSClientConfig) withDefaults() WSClientConfig {
	out := *c
	if out.Subprotocol == "" {
		out.Subprotocol = "ocpp1.6"
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.ReconnectWait <= 0 {
		out.ReconnectWait = 5 * time.Second
	}
	if out.InboundBuffer <= 0 {
		out.InboundBuffer = 64
	}
	return out
}

// WSClient implements Transport over a gorilla/websocket client connection.
// A background goroutine owns dialing and reading: it pushes complete frames
// into a buffered inbox that Receive drains without blocking. Redial
// attempts run through a circuit breaker so a flapping backend is probed
// instead of hammered.
type WSClient struct {
	cfg     WSClientConfig
	log     *zap.Logger
	breaker *gobreaker.CircuitBreaker

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	inbox  chan []byte
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWSClient starts the connection maintenance loop and returns
// immediately; the link comes up asynchronously.
func NewWSClient(cfg WSClientConfig, log *zap.Logger) *WSClient {
	c := &WSClient{
		cfg:    cfg.withDefaults(),
		log:    log,
		stopCh: make(chan struct{}),
	}
	c.inbox = make(chan []byte, c.cfg.InboundBuffer)
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "backend-dial",
		Timeout: c.cfg.ReconnectWait * 4,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Dial circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	c.wg.Add(1)
	go c.maintainLoop()
	return c
}

func (c *WSClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Receive returns the next buffered inbound frame, or (nil, nil) when none
// is available.
func (c *WSClient) Receive() ([]byte, error) {
	select {
	case frame := <-c.inbox:
		return frame, nil
	default:
		return nil, nil
	}
}

// Send writes one frame. It never blocks on the link coming up: a down link
// yields ErrNotConnected and the caller retries next tick.
func (c *WSClient) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.connected = false
		c.conn.Close()
		return fmt.Errorf("transport: write failed: %w", err)
	}
	return nil
}

func (c *WSClient) Close() error {
	close(c.stopCh)
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
	return nil
}

func (c *WSClient) maintainLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if !c.IsConnected() {
			if _, err := c.breaker.Execute(func() (interface{}, error) {
				return nil, c.dial()
			}); err != nil {
				c.log.Warn("Backend dial failed",
					zap.String("url", c.cfg.URL),
					zap.Error(err),
				)
				select {
				case <-time.After(c.cfg.ReconnectWait):
				case <-c.stopCh:
					return
				}
				continue
			}
		}

		c.readUntilClosed()
	}
}

func (c *WSClient) dial() error {
	dialer := websocket.Dialer{
		Subprotocols:     []string{c.cfg.Subprotocol},
		HandshakeTimeout: c.cfg.DialTimeout,
	}
	url := fmt.Sprintf("%s/%s", c.cfg.URL, c.cfg.ChargePointID)

	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info("Connected to backend",
		zap.String("url", url),
		zap.String("subprotocol", c.cfg.Subprotocol),
	)
	return nil
}

func (c *WSClient) readUntilClosed() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			conn.Close()
			select {
			case <-c.stopCh:
			default:
				c.log.Warn("Backend connection lost", zap.Error(err))
			}
			return
		}

		select {
		case c.inbox <- frame:
		default:
			// Inbox full; drop the oldest frame to keep the newest.
			select {
			case <-c.inbox:
			default:
			}
			c.inbox <- frame
			c.log.Warn("Inbound buffer overflow, dropped oldest frame")
		}
	}
}
