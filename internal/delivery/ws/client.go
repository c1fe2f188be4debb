package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
	"prosesync/mergeseq/seqsync"
)

// Connection is a seqsync.Connection to a Server.
type Connection struct {
	baseURL      string
	httpClient   *http.Client
	channel      string
	clientID     common.ClientID
	connectionID string
	conn         *websocket.Conn
	logger       *zap.Logger

	writeMutex sync.Mutex

	mutex     sync.Mutex
	listening bool
	closed    bool
	done      chan struct{}
}

var _ seqsync.Connection = (*Connection)(nil)

// Dial opens a websocket to channel on the server at baseURL and waits until the server has
// subscribed it.
func Dial(ctx context.Context, baseURL string, httpClient *http.Client, channel string, clientID common.ClientID, logger *zap.Logger) (*Connection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	wsURL, err := websocketURL(baseURL, channel, clientID)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", wsURL, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	}
	var ready Frame
	if err := conn.ReadJSON(&ready); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read ready frame: %w", err)
	}
	if ready.Type != FrameReady {
		conn.Close()
		return nil, fmt.Errorf("unexpected frame %q while waiting for ready: %s", ready.Type, ready.Error)
	}
	conn.SetReadDeadline(time.Time{})

	return &Connection{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   httpClient,
		channel:      channel,
		clientID:     clientID,
		connectionID: ready.ConnectionID,
		conn:         conn,
		logger: logger.With(
			zap.String("conn", ready.ConnectionID),
			zap.String("channel", channel)),
		done: make(chan struct{}),
	}, nil
}

func websocketURL(baseURL, channel string, clientID common.ClientID) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/channels/" + url.PathEscape(channel) + "/ws"
	u.RawQuery = url.Values{"client": {clientID.String()}}.Encode()
	return u.String(), nil
}

// ClientID returns the client id.
func (c *Connection) ClientID() common.ClientID {
	return c.clientID
}

// ConnectionID returns the id the server assigned to the connection.
func (c *Connection) ConnectionID() string {
	return c.connectionID
}

// Submit sends msg to be sequenced.
func (c *Connection) Submit(ctx context.Context, msg *seqop.Message) error {
	c.mutex.Lock()
	closed := c.closed
	c.mutex.Unlock()
	if closed {
		return common.ErrClosed{Resource: "connection"}
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if err := c.conn.WriteJSON(&Frame{Type: FrameSubmit, Message: msg}); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Fetch reads the sequenced messages after from over HTTP.
func (c *Connection) Fetch(ctx context.Context, from int64) ([]*seqop.Message, error) {
	endpoint := c.baseURL + "/channels/" + url.PathEscape(c.channel) + "/ops?from=" + strconv.FormatInt(from, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ops: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var msgs []*seqop.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("failed to decode ops: %w", err)
	}
	return msgs, nil
}

// Listen starts reading sequenced messages. The server subscribed the connection before Dial
// returned, so nothing sequenced after Dial is missed.
func (c *Connection) Listen(ctx context.Context, handler seqsync.MessageHandler) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return common.ErrClosed{Resource: "connection"}
	}
	if c.listening {
		return fmt.Errorf("already listening")
	}
	c.listening = true
	go c.readLoop(handler)
	return nil
}

func (c *Connection) readLoop(handler seqsync.MessageHandler) {
	defer close(c.done)
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			c.mutex.Lock()
			closed := c.closed
			c.mutex.Unlock()
			if !closed {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		switch frame.Type {
		case FrameOp:
			if frame.Message != nil {
				handler(frame.Message)
			}
		case FrameError:
			c.logger.Warn("Server rejected message", zap.String("error", frame.Error))
		default:
			c.logger.Debug("Ignoring frame", zap.String("type", frame.Type))
		}
	}
}

// Close closes the websocket. The server leaves the channel on its side.
func (c *Connection) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	listening := c.listening
	c.mutex.Unlock()

	c.writeMutex.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMutex.Unlock()

	err := c.conn.Close()
	if listening {
		<-c.done
	}
	return err
}

// Dialer opens Connections to one server.
type Dialer struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

var _ seqsync.Dialer = (*Dialer)(nil)

// Dial opens a connection to channel.
func (d *Dialer) Dial(ctx context.Context, channel string, clientID common.ClientID) (seqsync.Connection, error) {
	return Dial(ctx, d.BaseURL, d.HTTPClient, channel, clientID, d.Logger)
}

func responseError(resp *http.Response) error {
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body.Error)
}
