package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	v1 "chatmate/internal/contracts/realtime/v1"
)

// Listener delivers server-pushed envelopes for one session until ctx ends
// or the server closes the connection.
type Listener interface {
	Listen(ctx context.Context, accessToken, sessionID string, handle func(v1.Envelope)) error
}

// WSListener dials the realtime gateway.
type WSListener struct {
	// URL is the gateway endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Origin is sent when the gateway requires one.
	Origin string
}

// Listen authenticates with query credentials and reads until the connection ends.
func (l WSListener) Listen(ctx context.Context, accessToken, sessionID string, handle func(v1.Envelope)) error {
	u, err := url.Parse(l.URL)
	if err != nil {
		return fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("accessToken", accessToken)
	q.Set("sessionId", sessionID)
	u.RawQuery = q.Encode()

	opts := &websocket.DialOptions{Subprotocols: []string{v1.Subprotocol}}
	if o := strings.TrimSpace(l.Origin); o != "" {
		opts.HTTPHeader = map[string][]string{"Origin": {o}}
	}

	conn, _, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				return nil
			}
			return err
		}
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Validate() != nil {
			continue
		}
		handle(env)
	}
}
