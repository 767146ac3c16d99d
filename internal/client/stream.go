package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// maxFrameSize bounds a single event frame. build:completed carries every
// generated file, so frames can be large.
const maxFrameSize = 64 << 20

// Stream is a live event stream for one build.
type Stream struct {
	conn    *websocket.Conn
	buildID string
}

// Dial opens the event stream for buildID.
func (c *Client) Dial(ctx context.Context, buildID string) (*Stream, error) {
	u := *c.baseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/build/" + url.PathEscape(buildID)
	if c.token != "" {
		q := url.Values{}
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, fmt.Errorf("dial build %s: %w", buildID, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)})
		}
		return nil, fmt.Errorf("dial build %s: %w", buildID, err)
	}
	conn.SetReadLimit(maxFrameSize)
	return &Stream{conn: conn, buildID: buildID}, nil
}

// BuildID returns the build this stream is attached to.
func (s *Stream) BuildID() string { return s.buildID }

// Recv blocks until the next frame arrives.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Send writes v as a JSON text frame.
func (s *Stream) Send(ctx context.Context, v any) error {
	return wsjson.Write(ctx, s.conn, v)
}

// Close closes the stream with a normal closure.
func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "detached")
}

// IsClosed reports whether err is a close frame from the server rather than
// a transport failure.
func IsClosed(err error) bool {
	return websocket.CloseStatus(err) != -1
}
