package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/custody_layer/internal/app/events"
	"github.com/R3E-Network/custody_layer/internal/middleware"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
	streamBuffer     = 64
	maxReplay        = 100
)

// stream upgrades to a websocket and forwards lifecycle events as JSON.
// ?accountId= restricts the stream to one account and ?recent=n replays the
// last n retained events first. Events are dropped for clients that fall
// behind.
func (h *handler) stream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return h.cors.Allows(r.Header.Get("Origin"))
		},
	}

	query := r.URL.Query()
	accountID := query.Get("accountId")
	recent, _ := strconv.Atoi(query.Get("recent"))
	if recent > maxReplay {
		recent = maxReplay
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.WithError(err).WithField("request_id", middleware.GetRequestID(r.Context())).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var filter events.Filter
	if accountID != "" {
		filter = func(e events.Event) bool { return e.AccountID == accountID }
	}

	out := make(chan events.Event, streamBuffer)
	cancel := h.app.Events.SubscribeFiltered(filter, func(e events.Event) {
		select {
		case out <- e:
		default:
		}
	})
	defer cancel()

	var replay []events.Event
	if recent > 0 {
		if accountID != "" {
			replay = h.app.Events.RecentByAccount(accountID, recent)
		} else {
			replay = h.app.Events.Recent(recent)
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Replay oldest first. An event published between subscribing and
	// reading the history arrives on both paths and is written once.
	replayed := newReplaySet(replay)
	for i := len(replay) - 1; i >= 0; i-- {
		if !writeEvent(conn, replay[i]) {
			return
		}
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case e := <-out:
			if replayed.take(e.ID) {
				continue
			}
			if !writeEvent(conn, e) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, e events.Event) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(e) == nil
}

// replaySet holds the ids of replayed events not yet seen on the live
// subscription.
type replaySet map[string]struct{}

func newReplaySet(replay []events.Event) replaySet {
	set := make(replaySet, len(replay))
	for _, e := range replay {
		set[e.ID] = struct{}{}
	}
	return set
}

// take reports whether id was replayed and forgets it.
func (s replaySet) take(id string) bool {
	if _, ok := s[id]; !ok {
		return false
	}
	delete(s, id)
	return true
}
