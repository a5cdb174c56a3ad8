package remote

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"petsync/internal/logger"
)

// wsFeed reads change events off a websocket and pushes them onto a
// buffered channel. The channel closes when the transport drops, which
// is the bridge's reconnect signal.
type wsFeed struct {
	conn      *websocket.Conn
	events    chan ChangeEvent
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *HTTPClient) OpenChangeFeed(ctx context.Context, table string) (Feed, error) {
	url := fmt.Sprintf("%s/tables/%s/feed", c.cfg.FeedURL, table)

	opts := &websocket.DialOptions{}
	if c.cfg.AuthToken != "" {
		opts.HTTPHeader = http.Header{"Authorization": {"Bearer " + c.cfg.AuthToken}}
	}

	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, classifyDial("open change feed", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	f := &wsFeed{
		conn:   conn,
		events: make(chan ChangeEvent, 256),
		cancel: cancel,
	}

	go f.readLoop(readCtx, table)

	return f, nil
}

func (f *wsFeed) readLoop(ctx context.Context, table string) {
	defer close(f.events)

	for {
		var ev ChangeEvent
		if err := wsjson.Read(ctx, f.conn, &ev); err != nil {
			if ctx.Err() == nil {
				logger.Log.Warn("Change feed disconnected",
					zap.String("table", table),
					zap.Error(err),
				)
			}
			return
		}

		select {
		case f.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (f *wsFeed) Events() <-chan ChangeEvent {
	return f.events
}

func (f *wsFeed) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		_ = f.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	})
	return nil
}
