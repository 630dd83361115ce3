// Package webstream serves viewer websocket connections and attaches them to the hub.
package webstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"golang.org/x/crypto/blake2b"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
	"nuha.dev/gpsrelay/internal/hub"
	"nuha.dev/gpsrelay/internal/store"
	"nuha.dev/gpsrelay/internal/util"
)

const (
	CJoin            string = "join"
	CLeave           string = "leave"
	CRequestLocation string = "request_location"
	CPing            string = "ping"
)

const (
	VIEWER_CONNECTED    string = "viewer_connected"
	VIEWER_DISCONNECTED string = "viewer_disconnected"
	TOKEN_REJECTED      string = "token_rejected"
)

const (
	tokenTimeout = 1 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 256
)

type WebstreamServer struct {
	hub            *hub.Hub
	viewers        store.ViewerStore
	log            log.Logger
	vld            *validator.Validate
	allowAnonymous bool
}

func NewWebstream(h *hub.Hub, viewers store.ViewerStore, allowAnonymous bool) *WebstreamServer {
	o := &WebstreamServer{hub: h, viewers: viewers, allowAnonymous: allowAnonymous}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "websocket").Value()
	o.vld = validator.New()
	return o
}

// HashToken is how viewer tokens are stored.
func HashToken(token []byte) []byte {
	h := blake2b.Sum256(token)
	return h[:]
}

func (ws *WebstreamServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.log.Error().Err(err).Msg("error while upgrading websocket")
		return
	}
	defer c.Close(websocket.StatusInternalError, "unhandled error")

	// first message is the token, empty for anonymous viewers
	readCtx, cancel := context.WithTimeout(r.Context(), tokenTimeout)
	_, msg, err := c.Read(readCtx)
	cancel()
	if err != nil {
		ws.log.Error().Err(err).Msg("error while reading auth token")
		return
	}
	var identity string
	if len(msg) == 0 {
		if !ws.allowAnonymous {
			c.Close(websocket.StatusPolicyViolation, "token required")
			return
		}
	} else {
		identity, err = ws.viewers.ViewerIdentity(r.Context(), HashToken(msg))
		if errors.Is(err, store.ErrNotFound) {
			ws.log.Info().Str("event", TOKEN_REJECTED).Str("remote", r.RemoteAddr).Msg("")
			c.Close(websocket.StatusPolicyViolation, "invalid token")
			return
		}
		if err != nil {
			ws.log.Error().Err(err).Msg("error validating token")
			c.Close(websocket.StatusInternalError, "token check failed")
			return
		}
	}

	ctx, stop := context.WithCancel(r.Context())
	defer stop()
	wc := &WebstreamClient{id: util.GenUUID(), identity: identity, srv: ws, c: c, send: make(chan hub.Event, sendBuffer)}
	wc.log = ws.log
	ws.hub.Register(wc)
	ws.log.Info().Str("event", VIEWER_CONNECTED).EmbedObject(wc).Msg("")
	go wc.writeLoop(ctx, stop)
	wc.readLoop(ctx)
	wc.close()
	ws.hub.Deregister(wc)
	ws.log.Info().Str("event", VIEWER_DISCONNECTED).EmbedObject(wc).Uint64("dropped", atomic.LoadUint64(&wc.dropped)).Msg("")
	c.Close(websocket.StatusNormalClosure, "")
}

type inbound struct {
	Type       string   `json:"type" validate:"oneof=join leave request_location ping"`
	Room       string   `json:"room" validate:"max=128"`
	Identities []string `json:"identities" validate:"max=64,dive,max=128"`
}

type WebstreamClient struct {
	id       string
	identity string
	srv      *WebstreamServer
	c        *websocket.Conn
	log      log.Logger
	send     chan hub.Event
	mu       sync.Mutex
	closed   bool
	pushed   uint64
	dropped  uint64
}

func (wc *WebstreamClient) ID() string       { return wc.id }
func (wc *WebstreamClient) Identity() string { return wc.identity }

func (wc *WebstreamClient) MarshalObject(e *log.Entry) {
	e.Str("viewer", wc.id).Str("identity", wc.identity)
}

// Send queues ev. A full queue drops the event, only a closed client reports false.
func (wc *WebstreamClient) Send(ev hub.Event) bool {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.closed {
		return false
	}
	select {
	case wc.send <- ev:
		atomic.AddUint64(&wc.pushed, 1)
	default:
		atomic.AddUint64(&wc.dropped, 1)
	}
	return true
}

func (wc *WebstreamClient) close() {
	wc.mu.Lock()
	wc.closed = true
	wc.mu.Unlock()
}

func (wc *WebstreamClient) reply(typ, room string, data interface{}) {
	ev := hub.Event{Type: typ, Room: room}
	if data != nil {
		d, err := json.Marshal(data)
		if err == nil {
			ev.Data = d
		}
	}
	wc.Send(ev)
}

func (wc *WebstreamClient) readLoop(ctx context.Context) {
	for {
		var msg inbound
		err := wsjson.Read(ctx, wc.c, &msg)
		if err != nil {
			// malformed json also ends here, wsjson closes the connection on it
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				wc.log.Debug().Err(err).EmbedObject(wc).Msg("read error")
			}
			return
		}
		if err := wc.srv.vld.Struct(msg); err != nil {
			wc.reply("error", "", map[string]string{"message": err.Error()})
			continue
		}
		wc.handle(msg)
	}
}

func (wc *WebstreamClient) handle(msg inbound) {
	h := wc.srv.hub
	switch msg.Type {
	case CJoin:
		if !hub.ValidRoom(msg.Room) {
			wc.reply("error", msg.Room, map[string]string{"message": "unknown room"})
			return
		}
		h.JoinRoom(wc, msg.Room)
		wc.reply("joined", msg.Room, nil)
	case CLeave:
		h.LeaveRoom(wc, msg.Room)
		wc.reply("left", msg.Room, nil)
	case CRequestLocation:
		if wc.identity == "" {
			wc.reply("error", "", map[string]string{"message": "anonymous viewers cannot request locations"})
			return
		}
		h.RequestLiveLocation(msg.Identities, wc.identity)
	case CPing:
		wc.reply("pong", "", nil)
	}
}

func (wc *WebstreamClient) writeLoop(ctx context.Context, stop context.CancelFunc) {
	defer stop()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-wc.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, wc.c, ev)
			cancel()
			if err != nil {
				wc.log.Debug().Err(err).EmbedObject(wc).Msg("error while writing to connection")
				return
			}
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wc.c.Ping(pctx)
			cancel()
			if err != nil {
				wc.log.Debug().Err(err).EmbedObject(wc).Msg("ping failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
