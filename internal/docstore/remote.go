package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"
)

// RemoteStore speaks a small JSON-RPC 2.0 protocol to a document-store server
// over one WebSocket:
//
//	doc.get         {key} -> {exists, doc}
//	doc.merge       {key, fields}
//	doc.delete      {key}
//	doc.subscribe   {key}
//	doc.unsubscribe {key}
//	doc.changed     {key, doc}   (server-push notification; doc null = deleted)
//
// The connection is re-dialed with exponential backoff and every active
// subscription is re-established after a reconnect. The first snapshot a
// subscriber sees after resubscribing may therefore repeat state it already
// processed; consumers handle that (see signaling.Snapshot.Initial).
type RemoteStore struct {
	addr        string
	dialTimeout time.Duration
	log         *zap.Logger

	mu     sync.Mutex
	conn   *jsonrpc2.Conn
	subs   map[string]map[int]func(Document)
	nextID int
	closed bool

	cancelRun context.CancelFunc
	done      chan struct{}
}

type keyParams struct {
	Key string `json:"key"`
}

type mergeParams struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

type getResult struct {
	Exists bool     `json:"exists"`
	Doc    Document `json:"doc"`
}

type changedParams struct {
	Key string   `json:"key"`
	Doc Document `json:"doc"`
}

// NewRemoteStore dials addr and keeps the connection alive until Close.
func NewRemoteStore(ctx context.Context, addr string, dialTimeout time.Duration, logger *zap.Logger) (*RemoteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &RemoteStore{
		addr:        addr,
		dialTimeout: dialTimeout,
		log:         logger.Named("docstore"),
		subs:        make(map[string]map[int]func(Document)),
		done:        make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel

	if err := s.dial(ctx); err != nil {
		cancel()
		return nil, err
	}
	go s.run(runCtx)
	return s, nil
}

func (s *RemoteStore) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	defer cancel()

	wsConn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.addr, nil)
	if err != nil {
		return fmt.Errorf("failed to dial document store at %s: %w", s.addr, err)
	}

	conn := jsonrpc2.NewConn(
		context.Background(),
		wsstream.NewObjectStream(wsConn),
		jsonrpc2.HandlerWithError(s.handle),
	)

	s.mu.Lock()
	s.conn = conn
	keys := make([]string, 0, len(s.subs))
	for key := range s.subs {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	// Re-arm server-side subscriptions that predate this connection.
	for _, key := range keys {
		if err := conn.Call(ctx, "doc.subscribe", keyParams{Key: key}, nil); err != nil {
			s.log.Warn("resubscribe failed", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// run watches for disconnects and re-dials until Close.
func (s *RemoteStore) run(ctx context.Context) {
	defer close(s.done)
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-conn.DisconnectNotify():
		}

		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.log.Warn("document store connection lost, reconnecting")

		policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
		err := backoff.Retry(func() error {
			return s.dial(ctx)
		}, policy)
		if err != nil {
			if ctx.Err() == nil {
				s.log.Error("document store reconnect gave up", zap.Error(err))
			}
			return
		}
		s.log.Info("document store reconnected")
	}
}

// handle receives server-push notifications.
func (s *RemoteStore) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	if req.Method != "doc.changed" {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: req.Method}
	}
	if req.Params == nil {
		return nil, nil
	}
	var params changedParams
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		return nil, err
	}

	s.mu.Lock()
	fns := make([]func(Document), 0, len(s.subs[params.Key]))
	for _, fn := range s.subs[params.Key] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		var snapshot Document
		if params.Doc != nil {
			snapshot = params.Doc.Clone()
		}
		fn(snapshot)
	}
	return nil, nil
}

func (s *RemoteStore) current() (*jsonrpc2.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("document store is closed")
	}
	if s.conn == nil {
		return nil, fmt.Errorf("document store is not connected")
	}
	return s.conn, nil
}

func (s *RemoteStore) Get(ctx context.Context, key string) (Document, bool, error) {
	conn, err := s.current()
	if err != nil {
		return nil, false, err
	}
	var res getResult
	if err := conn.Call(ctx, "doc.get", keyParams{Key: key}, &res); err != nil {
		return nil, false, fmt.Errorf("doc.get %s: %w", key, err)
	}
	return res.Doc, res.Exists, nil
}

func (s *RemoteStore) Merge(ctx context.Context, key string, fields map[string]any) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	if err := conn.Call(ctx, "doc.merge", mergeParams{Key: key, Fields: fields}, nil); err != nil {
		return fmt.Errorf("doc.merge %s: %w", key, err)
	}
	return nil
}

func (s *RemoteStore) Delete(ctx context.Context, key string) error {
	conn, err := s.current()
	if err != nil {
		return err
	}
	if err := conn.Call(ctx, "doc.delete", keyParams{Key: key}, nil); err != nil {
		return fmt.Errorf("doc.delete %s: %w", key, err)
	}
	return nil
}

func (s *RemoteStore) Subscribe(ctx context.Context, key string, fn func(Document)) (func(), error) {
	conn, err := s.current()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	first := s.subs[key] == nil
	if first {
		s.subs[key] = make(map[int]func(Document))
	}
	s.subs[key][id] = fn
	s.mu.Unlock()

	if first {
		if err := conn.Call(ctx, "doc.subscribe", keyParams{Key: key}, nil); err != nil {
			s.mu.Lock()
			delete(s.subs[key], id)
			if len(s.subs[key]) == 0 {
				delete(s.subs, key)
			}
			s.mu.Unlock()
			return nil, fmt.Errorf("doc.subscribe %s: %w", key, err)
		}
	}

	// Deliver the current snapshot first, matching Store semantics.
	doc, exists, err := s.Get(ctx, key)
	if err != nil {
		s.log.Warn("initial snapshot fetch failed", zap.String("key", key), zap.Error(err))
	} else if exists {
		fn(doc)
	} else {
		fn(nil)
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if m := s.subs[key]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(s.subs, key)
				}
			}
			last := s.subs[key] == nil
			conn := s.conn
			closed := s.closed
			s.mu.Unlock()
			if last && conn != nil && !closed {
				if err := conn.Notify(context.Background(), "doc.unsubscribe", keyParams{Key: key}); err != nil {
					s.log.Debug("unsubscribe notify failed", zap.String("key", key), zap.Error(err))
				}
			}
		})
	}
	return cancel, nil
}

// Close tears down the connection. Any active subscriptions stop receiving
// updates.
func (s *RemoteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.cancelRun()
	if conn != nil {
		if err := conn.Close(); err != nil {
			return err
		}
	}
	<-s.done
	return nil
}
