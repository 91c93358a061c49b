package cloudapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const (
	// maxNotificationBytes bounds one push message.
	maxNotificationBytes = 1 << 20
	notificationBuffer   = 16
)

// Notification is one message received on a push channel.
type Notification struct {
	Data     []byte
	Received time.Time
}

// Notifications opens an authenticated websocket at path and relays each
// message on the returned channel. The channel is closed when ctx is done
// or the connection drops.
func (c *Client) Notifications(ctx context.Context, path string) (<-chan Notification, error) {
	target := toWebSocketURL(c.resolve(c.baseURL, path))

	auth, err := c.token.AuthorizationHeader(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudapi: obtaining token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", auth)
	header.Set("User-Agent", c.userAgent)

	conn, resp, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			return nil, newAPIError(resp.StatusCode, resp.Header, nil)
		}

		return nil, fmt.Errorf("%w: websocket dial: %w", ErrConnectionFailed, err)
	}

	conn.SetReadLimit(maxNotificationBytes)

	c.logger.Info("notification channel open")

	out := make(chan Notification, notificationBuffer)

	go c.relayNotifications(ctx, conn, out)

	return out, nil
}

func (c *Client) relayNotifications(ctx context.Context, conn *websocket.Conn, out chan<- Notification) {
	defer close(out)
	defer conn.CloseNow()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case websocket.CloseStatus(err) == websocket.StatusNormalClosure,
				websocket.CloseStatus(err) == websocket.StatusGoingAway:
				c.logger.Info("notification channel closed by server")
			default:
				c.logger.Warn("notification channel failed", slog.String("error", err.Error()))
			}

			return
		}

		select {
		case out <- Notification{Data: data, Received: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

// toWebSocketURL swaps an http(s) scheme for ws(s).
func toWebSocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}
