package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a Transport served by a remote Hub.
type Client struct {
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	nextSub uint64
	pending map[uint64]chan Frame
	subs    map[string]*dispatcher
	err     error

	done     chan struct{}
	doneOnce sync.Once
}

type DialOptions struct {
	// Token is sent as the "token" query parameter. With AUTH_MODE=none it is
	// the user id.
	Token  string
	Header http.Header
	Logger *slog.Logger
}

func Dial(ctx context.Context, rawURL string, opts DialOptions) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("mailbox url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if opts.Token != "" {
		q := u.Query()
		q.Set("token", opts.Token)
		u.RawQuery = q.Encode()
	}

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial mailbox: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial mailbox: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		ws:      ws,
		logger:  logger,
		pending: make(map[uint64]chan Frame),
		subs:    make(map[string]*dispatcher),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
	err := c.ws.Close()
	c.shutdown(ErrClosed)
	return err
}

func (c *Client) Write(ctx context.Context, path string, v any, merge bool) (Document, error) {
	if err := ValidateDocument(path); err != nil {
		return Document{}, err
	}
	data, err := encodeObject(v)
	if err != nil {
		return Document{}, err
	}
	f, err := c.call(ctx, Request{Op: OpWrite, Path: path, Data: data, Merge: merge})
	if err != nil {
		return Document{}, err
	}
	if f.Doc == nil {
		return Document{}, errors.New("mailbox: write result without document")
	}
	return *f.Doc, nil
}

func (c *Client) Read(ctx context.Context, path string) (Document, error) {
	if err := ValidateDocument(path); err != nil {
		return Document{}, err
	}
	f, err := c.call(ctx, Request{Op: OpRead, Path: path})
	if err != nil {
		return Document{}, err
	}
	if f.Doc == nil {
		return Document{}, ErrNotFound
	}
	return *f.Doc, nil
}

func (c *Client) Delete(ctx context.Context, path string) error {
	if err := ValidateDocument(path); err != nil {
		return err
	}
	_, err := c.call(ctx, Request{Op: OpDelete, Path: path})
	return err
}

func (c *Client) Subscribe(ctx context.Context, q Query, fn func(Change)) (func(), error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	d := newDispatcher(fn)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		d.close()
		return nil, ErrClosed
	}
	c.nextSub++
	sub := "s" + strconv.FormatUint(c.nextSub, 10)
	c.subs[sub] = d
	c.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, sub)
			c.mu.Unlock()
			d.close()
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), wsWriteWait)
				defer cancel()
				_, _ = c.call(ctx, Request{Op: OpUnsubscribe, Sub: sub})
			}()
		})
	}

	if _, err := c.call(ctx, Request{Op: OpSubscribe, Sub: sub, Query: &q}); err != nil {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		d.close()
		return nil, err
	}
	// The snapshot frames precede the subscribed frame on the wire and are
	// already queued on d.
	if err := d.flush(ctx); err != nil {
		unsubscribe()
		return nil, err
	}
	return unsubscribe, nil
}

func (c *Client) call(ctx context.Context, req Request) (Frame, error) {
	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return Frame{}, ErrClosed
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	b, err := json.Marshal(req)
	if err != nil {
		return Frame{}, err
	}
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err = c.ws.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(err)
		return Frame{}, fmt.Errorf("%w: %v", ErrClosed, err)
	}

	select {
	case f := <-ch:
		if f.Type == FrameError {
			return Frame{}, &RemoteError{Code: f.Code, Message: f.Message}
		}
		return f, nil
	case <-c.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	for {
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		var f Frame
		if err := json.Unmarshal(b, &f); err != nil {
			c.logger.Warn("dropping malformed mailbox frame", "err", err)
			continue
		}

		c.mu.Lock()
		switch f.Type {
		case FrameChange:
			if d := c.subs[f.Sub]; d != nil && f.Change != nil {
				d.push(*f.Change)
			}
		case FrameResult, FrameError, FrameSubscribed:
			if ch := c.pending[f.ID]; ch != nil {
				ch <- f
				delete(c.pending, f.ID)
			} else if f.Type == FrameError {
				c.logger.Warn("mailbox error", "code", f.Code, "message", f.Message)
			}
		}
		c.mu.Unlock()
	}
}

func (c *Client) shutdown(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		subs := c.subs
		c.subs = map[string]*dispatcher{}
		c.mu.Unlock()
		for _, d := range subs {
			d.close()
		}
		close(c.done)
	})
}
