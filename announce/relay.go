package announce

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"nhooyr.io/websocket"
)

const relayTimeout = 15 * time.Second

// relayClient speaks the minimal relay protocol over one websocket dial per
// operation. Relays are best-effort; failures on one do not stop the rest.
type relayClient struct {
	url string
}

// Publish sends the event and waits for the relay's acknowledgement.
func (c *relayClient) Publish(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", c.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	frame, err := json.Marshal([]interface{}{"EVENT", ev})
	if err != nil {
		return fmt.Errorf("serialize publish frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write to relay %s: %w", c.url, err)
	}

	_, raw, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("read relay ack %s: %w", c.url, err)
	}
	var reply []json.RawMessage
	if err := json.Unmarshal(raw, &reply); err != nil || len(reply) < 3 {
		return fmt.Errorf("malformed relay reply from %s", c.url)
	}
	var kind string
	_ = json.Unmarshal(reply[0], &kind)
	if kind == "OK" {
		var accepted bool
		if len(reply) >= 3 {
			_ = json.Unmarshal(reply[2], &accepted)
		}
		if !accepted {
			return fmt.Errorf("relay %s rejected event", c.url)
		}
	}
	return nil
}

// Latest fetches the most recent announcement by pubkey for providerID.
// A nil event with nil error means the relay holds none.
func (c *relayClient) Latest(ctx context.Context, pubkey, providerID string) (*Event, error) {
	ctx, cancel := context.WithTimeout(ctx, relayTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", c.url, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	subID := "announce-query"
	filter := map[string]interface{}{
		"kinds":   []int{announcementKind},
		"authors": []string{pubkey},
		"#d":      []string{providerID},
		"limit":   1,
	}
	frame, err := json.Marshal([]interface{}{"REQ", subID, filter})
	if err != nil {
		return nil, fmt.Errorf("serialize query frame: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return nil, fmt.Errorf("write to relay %s: %w", c.url, err)
	}

	var latest *Event
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read from relay %s: %w", c.url, err)
		}
		var reply []json.RawMessage
		if err := json.Unmarshal(raw, &reply); err != nil || len(reply) < 2 {
			continue
		}
		var kind string
		_ = json.Unmarshal(reply[0], &kind)
		switch kind {
		case "EVENT":
			if len(reply) < 3 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(reply[2], &ev); err != nil {
				continue
			}
			if ev.Verify() != nil {
				continue
			}
			if latest == nil || ev.CreatedAt > latest.CreatedAt {
				copied := ev
				latest = &copied
			}
		case "EOSE", "CLOSED":
			closeFrame, _ := json.Marshal([]interface{}{"CLOSE", subID})
			_ = conn.Write(ctx, websocket.MessageText, closeFrame)
			return latest, nil
		}
	}
}
