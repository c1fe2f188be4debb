// Package ws exposes the ordering service and the document root store over HTTP and websockets,
// and provides the matching client side.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"prosesync/mergeseq/common"
	"prosesync/mergeseq/seqop"
	"prosesync/mergeseq/seqstore"
	"prosesync/mergeseq/seqsync"
)

// Server serves channels of a seqsync.Service and document roots of a seqstore.Adapter.
type Server struct {
	service     *seqsync.Service
	broadcaster *seqsync.PubSubBroadcaster
	roots       seqstore.Adapter
	node        *snowflake.Node
	upgrader    websocket.Upgrader
	logger      *zap.Logger

	mutex sync.Mutex
	conns map[snowflake.ID]*serverConn
}

// NewServer creates a server. nodeID tells connection ids of several servers apart.
func NewServer(service *seqsync.Service, broadcaster *seqsync.PubSubBroadcaster, roots seqstore.Adapter, nodeID int64, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create id node: %w", err)
	}
	return &Server{
		service:     service,
		broadcaster: broadcaster,
		roots:       roots,
		node:        node,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
		conns:  make(map[snowflake.ID]*serverConn),
	}, nil
}

// Handler returns the routes wrapped in recovery and logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/channels/{channel}/ops", s.handleOps).Methods(http.MethodGet)
	r.HandleFunc("/channels/{channel}/ws", s.handleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/documents/{doc}/root", s.handleRootKeys).Methods(http.MethodGet)
	r.HandleFunc("/documents/{doc}/root/{key:.+}", s.handleRootGet).Methods(http.MethodGet)
	r.HandleFunc("/documents/{doc}/root/{key:.+}", s.handleRootPut).Methods(http.MethodPut)
	r.Use(RecoveryMiddleware(s.logger), LoggingMiddleware(s.logger))
	return r
}

// Connections returns the number of open websocket connections.
func (s *Server) Connections() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.conns)
}

// Close closes every open websocket connection.
func (s *Server) Close() error {
	s.mutex.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mutex.Unlock()

	for _, c := range conns {
		c.close()
	}
	return nil
}

func (s *Server) handleOps(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	from := int64(0)
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid from: %q", v))
			return
		}
		from = n
	}

	msgs, err := s.service.Read(r.Context(), channel, from)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []*seqop.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	channel := mux.Vars(r)["channel"]
	clientID, err := common.ParseClientID(r.URL.Query().Get("client"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &serverConn{
		id:       s.node.Generate(),
		server:   s,
		conn:     conn,
		channel:  channel,
		clientID: clientID,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.logger = s.logger.With(
		zap.String("conn", c.id.String()),
		zap.String("channel", channel),
		zap.String("client", clientID.Short()))

	if err := c.start(); err != nil {
		c.logger.Warn("Failed to start connection", zap.Error(err))
		c.close()
		return
	}
	c.readLoop()
}

func (s *Server) handleRootKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.roots.Keys(r.Context(), mux.Vars(r)["doc"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, RootKeys{Keys: keys})
}

func (s *Server) handleRootGet(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	value, ok, err := s.roots.Get(r.Context(), vars["doc"], vars["key"])
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no entry %q", vars["key"]))
		return
	}
	writeJSON(w, http.StatusOK, RootValue{Value: value})
}

func (s *Server) handleRootPut(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var v RootValue
	if err := json.Unmarshal(body, &v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}

	if r.Header.Get("If-None-Match") == "*" {
		stored, err := s.roots.SetIfAbsent(r.Context(), vars["doc"], vars["key"], v.Value)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if !stored {
			writeError(w, http.StatusPreconditionFailed, fmt.Errorf("entry %q exists", vars["key"]))
			return
		}
		w.WriteHeader(http.StatusCreated)
		return
	}

	if err := s.roots.Set(r.Context(), vars["doc"], vars["key"], v.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// serverConn is one client websocket bound to one channel.
type serverConn struct {
	id       snowflake.ID
	server   *Server
	conn     *websocket.Conn
	channel  string
	clientID common.ClientID
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMutex sync.Mutex
	closeOnce  sync.Once
}

// start joins the channel, subscribes to it and tells the client it is ready.
func (c *serverConn) start() error {
	if _, err := c.server.service.Join(c.ctx, c.channel, c.clientID); err != nil {
		return fmt.Errorf("failed to join channel: %w", err)
	}
	err := c.server.broadcaster.Subscribe(c.ctx, c.channel, c.id.String(), func(msg *seqop.Message) {
		if err := c.send(&Frame{Type: FrameOp, Message: msg}); err != nil {
			c.logger.Debug("Failed to forward message", zap.Int64("seq", msg.Seq), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	c.server.mutex.Lock()
	c.server.conns[c.id] = c
	c.server.mutex.Unlock()

	c.logger.Info("Connection opened")
	return c.send(&Frame{Type: FrameReady, ConnectionID: c.id.String()})
}

func (c *serverConn) readLoop() {
	defer c.close()
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		switch frame.Type {
		case FrameSubmit:
			if frame.Message == nil {
				c.send(&Frame{Type: FrameError, Error: "submit without message"})
				continue
			}
			frame.Message.ClientID = c.clientID
			if _, err := c.server.service.Submit(c.ctx, c.channel, frame.Message); err != nil {
				c.logger.Warn("Failed to sequence message", zap.Int64("clientSeq", frame.Message.ClientSeq), zap.Error(err))
				c.send(&Frame{Type: FrameError, Error: err.Error()})
			}
		default:
			c.send(&Frame{Type: FrameError, Error: fmt.Sprintf("unknown frame type: %s", frame.Type)})
		}
	}
}

func (c *serverConn) send(frame *Frame) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	return c.conn.WriteJSON(frame)
}

func (c *serverConn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		ctx := context.Background()
		if err := c.server.broadcaster.Unsubscribe(ctx, c.channel, c.id.String()); err != nil {
			c.logger.Debug("Failed to unsubscribe", zap.Error(err))
		}
		if err := c.server.service.Leave(ctx, c.channel, c.clientID); err != nil {
			c.logger.Debug("Failed to leave channel", zap.Error(err))
		}

		c.server.mutex.Lock()
		delete(c.server.conns, c.id)
		c.server.mutex.Unlock()

		c.conn.Close()
		c.logger.Info("Connection closed")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
