package voice

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/ashvale/voicemesh/internal/core"
	"github.com/ashvale/voicemesh/internal/domain"
)

// Client is the signaling transport of one participant: a websocket to
// the relay's voice stream endpoint. It implements EnvelopeSender.
type Client struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the relay. baseURL uses the ws/wss scheme; the
// session id and access token come from the session context, never from
// local configuration.
func Dial(ctx context.Context, baseURL string, session domain.SessionID, accessToken string) (*Client, error) {
	endpoint := fmt.Sprintf("%s/api/v1/sessions/%s/voice/stream?access_token=%s",
		baseURL, url.PathEscape(string(session)), url.QueryEscape(accessToken))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrSignalingDisconnected, err)
	}
	return &Client{conn: conn, closed: make(chan struct{})}, nil
}

// Run reads envelopes until the transport closes and feeds them to the
// mesh. It returns after notifying the mesh of the closure; callers
// usually run it in its own goroutine.
func (c *Client) Run(ctx context.Context, mesh *Mesh) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			mesh.RelayClosed(ctx.Err())
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				// Local Close; the mesh already knows why.
				return
			default:
			}
			mesh.RelayClosed(err)
			return
		}
		env, err := core.DecodeEnvelope(data)
		if err != nil {
			log.Error().Err(err).Str("module", "voice.client").Msg("bad envelope from relay")
			continue
		}
		mesh.HandleEnvelope(ctx, env)
	}
}

func (c *Client) Send(env core.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}
