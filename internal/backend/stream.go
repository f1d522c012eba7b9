package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/quidsync/quid/internal/syncerr"
)

// wsStream is a change-feed subscription over a websocket connection.
type wsStream struct {
	conn *websocket.Conn
}

func dialStream(ctx context.Context, wsURL, token string) (EventStream, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + token},
		},
	})
	if err != nil {
		return nil, syncerr.New(syncerr.KindNetwork, fmt.Errorf("failed to dial change feed: %w", err))
	}

	// The feed only receives; cap inbound frames generously.
	conn.SetReadLimit(1 << 20)

	return &wsStream{conn: conn}, nil
}

// Next blocks until the next event frame arrives.
func (s *wsStream) Next(ctx context.Context) (Event, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return Event{}, syncerr.New(syncerr.KindNetwork, fmt.Errorf("change feed read: %w", err))
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, syncerr.New(syncerr.KindServer, fmt.Errorf("malformed change feed event: %w", err))
	}
	if ev.RecordID == "" {
		ev.RecordID = ev.Record.ID
	}
	return ev, nil
}

func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
