package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/skillswap/session-core/internal/auth"
	"github.com/skillswap/session-core/internal/lifecycle"
)

// Client calls the session API on behalf of one user.
type Client struct {
	BaseURL string
	// Token is sent as a bearer token, or as X-User-ID when DevUserID is set.
	Token     string
	DevUserID string
	HTTP      *http.Client
}

// APIError is a non-2xx response.
type APIError struct {
	Status int
	Body   ErrorBody
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Body.Code, e.Body.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.DevUserID != "":
		req.Header.Set(auth.HeaderUserID, c.DevUserID)
	case c.Token != "":
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&apiErr.Body)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Session(ctx context.Context, id string) (SessionView, error) {
	var v SessionView
	err := c.do(ctx, http.MethodGet, "/sessions/"+id, nil, &v)
	return v, err
}

func (c *Client) CreateSession(ctx context.Context, req lifecycle.CreateRequest) (SessionView, error) {
	var v SessionView
	err := c.do(ctx, http.MethodPost, "/sessions", req, &v)
	return v, err
}

func (c *Client) Propose(ctx context.Context, id string, at time.Time, revision int64) (SessionView, error) {
	var v SessionView
	err := c.do(ctx, http.MethodPost, "/sessions/"+id+"/proposals", ProposalRequest{Time: at, Revision: revision}, &v)
	return v, err
}

func (c *Client) Join(ctx context.Context, id string) (SessionView, error) {
	var v SessionView
	err := c.do(ctx, http.MethodPost, "/sessions/"+id+"/join", nil, &v)
	return v, err
}

func (c *Client) End(ctx context.Context, id string, force bool) (lifecycle.EndResult, error) {
	var res lifecycle.EndResult
	err := c.do(ctx, http.MethodPost, "/sessions/"+id+"/end", EndRequest{Force: force}, &res)
	return res, err
}

// ICEServers fetches the server's ICE configuration.
func (c *Client) ICEServers(ctx context.Context) ([]webrtc.ICEServer, error) {
	var out struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := c.do(ctx, http.MethodGet, "/webrtc/ice", nil, &out); err != nil {
		return nil, err
	}
	return out.ICEServers, nil
}
