// Package matrix is the send-only Matrix transport behind the operator
// notifier.  The gateway never syncs room history; it only posts notices.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds homeserver credentials for the operator room.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// RoomID is the operator room notices are posted to.
	RoomID string
}

// Client posts notices to the operator room.
type Client struct {
	client *mautrix.Client
	cfg    Config
}

// New creates a client and joins the operator room.  Joining an already
// joined room is not an error.
func New(ctx context.Context, cfg Config) (*Client, error) {
	mc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	c := &Client{client: mc, cfg: cfg}

	if cfg.RoomID != "" {
		if _, err := mc.JoinRoomByID(ctx, id.RoomID(cfg.RoomID)); err != nil {
			if !errors.Is(err, mautrix.MForbidden) {
				return nil, fmt.Errorf("matrix: join operator room %s: %w", cfg.RoomID, err)
			}
			slog.Warn("matrix: already a member or access denied, continuing", "room", cfg.RoomID)
		}
	}
	return c, nil
}

// SendNotice posts a notice message, the less intrusive message type.
func (c *Client) SendNotice(roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	_, err := c.client.SendMessageEvent(context.Background(), id.RoomID(roomID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("matrix: send notice: %w", err)
	}
	return nil
}

// RoomID returns the configured operator room.
func (c *Client) RoomID() string { return c.cfg.RoomID }
