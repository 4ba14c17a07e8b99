package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"
)

// Hub broadcasts notifications to live subscribers, typically websocket
// clients. Slow subscribers miss events rather than stall the hub.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]*subscriber
	origins []string
}

type subscriber struct {
	kinds map[Kind]struct{}
	ch    chan Notification
}

// LocalOrigins are the browser origins a Hub accepts by default.
var LocalOrigins = []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*"}

// NewHub returns an empty Hub. Websocket upgrades are accepted from the
// server's own host and from origins matching one of the patterns
// (path.Match syntax against the origin host); LocalOrigins when none are
// given. Requests without an Origin header are always accepted.
func NewHub(originPatterns ...string) *Hub {
	if len(originPatterns) == 0 {
		originPatterns = LocalOrigins
	}
	return &Hub{subs: map[string]*subscriber{}, origins: originPatterns}
}

// Subscribe returns a channel of notifications of the given kinds (all kinds
// when empty). The channel is closed when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, kinds []Kind) <-chan Notification {
	ch := make(chan Notification, 64)
	set := map[Kind]struct{}{}
	for _, k := range kinds {
		if k != "" {
			set[k] = struct{}{}
		}
	}
	id := ulid.Make().String()

	h.mu.Lock()
	h.subs[id] = &subscriber{kinds: set, ch: ch}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		close(ch)
	}()
	return ch
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Notify(_ context.Context, n Notification) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if len(sub.kinds) > 0 {
			if _, ok := sub.kinds[n.Kind]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- n:
		default:
			// Drop if subscriber is slow.
		}
	}
	return nil
}

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// ServeHTTP upgrades the request to a websocket and streams notifications.
// The optional "kinds" query parameter is a comma-separated filter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kinds := parseKinds(r.URL.Query().Get("kinds"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := conn.CloseRead(r.Context())
	if err := h.stream(ctx, kinds, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func (h *Hub) stream(ctx context.Context, kinds []Kind, writer wsWriter) error {
	sub := h.Subscribe(ctx, kinds)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-sub:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(n)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}

func parseKinds(s string) []Kind {
	var kinds []Kind
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			kinds = append(kinds, Kind(part))
		}
	}
	return kinds
}
