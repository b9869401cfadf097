package neoconnect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultFeedURL      = "wss://mlhsm.kotaksecurities.com/realtime"
	pingInterval        = 10 * time.Second
	writeDeadline       = 5 * time.Second
	subscribeBatchDelay = 250 * time.Millisecond
)

// Feed is the streaming tick connection. Decoded messages are delivered to
// OnData from the read goroutine; the callback must not block.
type Feed struct {
	client  *Client
	feedURL string

	mu   sync.Mutex
	conn *websocket.Conn

	OnData  func(msg map[string]interface{})
	OnClose func(err error)

	cancel     context.CancelFunc
	batchDelay time.Duration // pause between subscribe frames
}

// NewFeed creates a feed bound to an authenticated client. feedURL may be
// empty for the production endpoint.
func NewFeed(client *Client, feedURL string) *Feed {
	if feedURL == "" {
		feedURL = defaultFeedURL
	}
	return &Feed{client: client, feedURL: feedURL, batchDelay: subscribeBatchDelay}
}

// Connect dials the feed with the session's auth headers and starts the
// read and ping loops. An existing connection is closed first.
func (f *Feed) Connect(ctx context.Context) error {
	token, sid := f.client.Session()
	if token == "" {
		return errors.New("no session: login first")
	}

	f.Disconnect()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	header.Set("sid", sid)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, f.feedURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial feed: %w (status %s)", err, resp.Status)
		}
		return fmt.Errorf("dial feed: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.conn = conn
	f.cancel = cancel
	f.mu.Unlock()

	go f.readLoop(loopCtx, conn)
	go f.pingLoop(loopCtx, conn)

	log.Printf("[neoconnect] FEED_CONNECTED | url=%s", f.feedURL)
	return nil
}

// Subscribe requests ticks for the given tokens in batches, keeping each
// subscribe frame small enough for the feed gateway. Frames are spaced out
// by a short pause so the gateway never sees a burst of subscribe requests.
func (f *Feed) Subscribe(ctx context.Context, tokens []string, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 50
	}
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	for start := 0; start < len(tokens); start += batchSize {
		if start > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.batchDelay):
			}
		}
		end := start + batchSize
		if end > len(tokens) {
			end = len(tokens)
		}
		req := map[string]interface{}{
			"type":    "subscribe",
			"scrips":  tokens[start:end],
			"channel": 1,
		}
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("subscribe batch %d: %w", start/batchSize, err)
		}
	}
	log.Printf("[neoconnect] SUBSCRIBED | tokens=%d | batches=%d",
		len(tokens), (len(tokens)+batchSize-1)/batchSize)
	return nil
}

// Disconnect closes the connection and stops the loops. Idempotent.
func (f *Feed) Disconnect() {
	f.mu.Lock()
	conn := f.conn
	cancel := f.cancel
	f.conn = nil
	f.cancel = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeDeadline))
		conn.Close()
	}
}

// readLoop delivers decoded frames. A frame may carry a single tick object
// or an array of ticks; both fan out to OnData one tick at a time.
func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[neoconnect] READ_ERROR | err=%v", err)
				if f.OnClose != nil {
					f.OnClose(err)
				}
			}
			return
		}

		var single map[string]interface{}
		if err := json.Unmarshal(message, &single); err == nil {
			f.deliver(single)
			continue
		}
		var batch []map[string]interface{}
		if err := json.Unmarshal(message, &batch); err == nil {
			for _, msg := range batch {
				f.deliver(msg)
			}
		}
	}
}

func (f *Feed) deliver(msg map[string]interface{}) {
	if f.OnData != nil {
		f.OnData(msg)
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				log.Printf("[neoconnect] PING_FAILED | err=%v", err)
				return
			}
		}
	}
}
