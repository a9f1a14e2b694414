// Package session drives authenticated websocket connections: the
// per-connection state machine, the session map, the subscription relays,
// and the avatar-changed notifier.
package session

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"avatarhub/internal/metrics"
	"avatarhub/internal/protocol"
	"avatarhub/internal/registry"
	"avatarhub/internal/topic"
)

// Close codes sent to clients.
const (
	CloseReauth = 4000 // token unknown, client must redo the handshake
	CloseBanned = 4001 // user is banned
)

const (
	writeTimeout   = 5 * time.Second
	outboundBuffer = 64
	maxFrameSize   = 1 << 20

	// defaultBanGrace is how long a banned session keeps its connection
	// after the Toast, so the client can display it before the close.
	defaultBanGrace = 6 * time.Second

	// defaultPingRate matches the pingRate advertised by the limits
	// endpoint.
	defaultPingRate  = rate.Limit(32)
	defaultPingBurst = 64
)

// Handler owns the websocket transport.
type Handler struct {
	// BanGrace is the delay between the ban Toast and the close frame.
	BanGrace time.Duration
	// PingRate and PingBurst bound how fast one session may publish.
	PingRate  rate.Limit
	PingBurst int

	registry *registry.Registry
	topics   *topic.Registry
	sessions *Map
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler creates a websocket handler bound to the shared state.
func NewHandler(reg *registry.Registry, topics *topic.Registry, sessions *Map, log zerolog.Logger) *Handler {
	return &Handler{
		BanGrace:  defaultBanGrace,
		PingRate:  defaultPingRate,
		PingBurst: defaultPingBurst,
		registry:  reg,
		topics:    topics,
		sessions:  sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		log: log,
	}
}

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

type wsOwner struct {
	nickname string
	uuid     uuid.UUID
	token    string
}

type connState struct {
	owner   *wsOwner
	out     chan []byte
	done    chan struct{}
	subs    map[uuid.UUID]*topic.Subscription
	topic   *topic.Topic
	limiter *rate.Limiter
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()
	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	log := h.log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	log.Debug().Msg("new websocket connection")

	conn.SetReadLimit(maxFrameSize)

	s := &connState{
		out:     make(chan []byte, outboundBuffer),
		done:    make(chan struct{}),
		subs:    make(map[uuid.UUID]*topic.Subscription),
		limiter: rate.NewLimiter(h.PingRate, h.PingBurst),
	}
	go writeLoop(conn, s.out, s.done)

	defer func() {
		for _, sub := range s.subs {
			sub.Cancel()
		}
		if s.owner != nil {
			h.sessions.Remove(s.owner.uuid, s.out)
			h.registry.RemoveIf(s.owner.uuid, s.owner.token)
			log.Debug().Str("username", s.owner.nickname).Msg("session closed, registry entry evicted")
		}
		close(s.done)
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("websocket receive ended")
			return
		}

		// A ban can land mid-session; every subsequent frame is rejected
		// until the client disconnects.
		if s.owner != nil && h.registry.IsBanned(s.owner.uuid) {
			log.Warn().Str("username", s.owner.nickname).Msg("banned user with active websocket")
			s.enqueue((&protocol.S2CToast{Severity: protocol.ToastError, Header: "You're banned!"}).Encode(), log)
			time.Sleep(h.BanGrace)
			h.sendClose(conn, CloseBanned, "You're banned!")
			continue
		}

		if mt != websocket.BinaryMessage || len(data) == 0 {
			log.Debug().Int("type", mt).Int("len", len(data)).Msg("ignoring non-binary or empty message")
			continue
		}

		msg, err := protocol.DecodeC2S(data)
		if err != nil {
			log.Error().Err(err).Hex("frame", data).Msg("undecodable client frame")
			continue
		}

		switch m := msg.(type) {
		case *protocol.C2SToken:
			h.handleToken(conn, s, m.Token, log)
		case *protocol.C2SPing:
			h.handlePing(s, data, log)
		case *protocol.C2SSub:
			h.handleSub(s, m.Target, log)
		case *protocol.C2SUnsub:
			h.handleUnsub(s, m.Target, log)
		}
	}
}

func (h *Handler) handleToken(conn *websocket.Conn, s *connState, token string, log zerolog.Logger) {
	info, ok := h.registry.Get(token)
	if !ok {
		log.Warn().Msg("unknown session token, requesting re-auth")
		h.sendClose(conn, CloseReauth, "Re-auth")
		return
	}
	s.owner = &wsOwner{nickname: info.Nickname, uuid: info.UUID, token: info.Token}
	h.sessions.Insert(info.UUID, s.out)
	s.topic = h.topics.GetOrCreate(info.UUID)
	s.enqueue((&protocol.S2CAuth{}).Encode(), log)
	log.Info().Str("username", info.Nickname).Stringer("uuid", info.UUID).Msg("websocket authenticated")
}

func (h *Handler) handlePing(s *connState, raw []byte, log zerolog.Logger) {
	if s.owner == nil {
		log.Debug().Msg("ping before auth, dropped")
		return
	}
	if !s.limiter.Allow() {
		metrics.PingsRateLimited.Inc()
		log.Debug().Str("username", s.owner.nickname).Msg("ping rate limit exceeded, dropped")
		return
	}
	metrics.PingsPublished.Inc()
	if delivered := s.topic.Publish(protocol.FanOutPing(s.owner.uuid, raw)); delivered == 0 {
		log.Debug().Str("username", s.owner.nickname).Msg("ping published with no subscribers")
	}
}

func (h *Handler) handleSub(s *connState, target uuid.UUID, log zerolog.Logger) {
	if s.owner == nil {
		log.Debug().Msg("sub before auth, dropped")
		return
	}
	if target == s.owner.uuid {
		return
	}
	sub := h.topics.GetOrCreate(target).Subscribe(topic.DefaultBuffer)
	if old, ok := s.subs[target]; ok {
		// Duplicate Sub replaces the old relay instead of stacking a second
		// one onto the same target.
		old.Cancel()
	}
	s.subs[target] = sub
	go relay(sub, s.out)
	log.Debug().Str("username", s.owner.nickname).Stringer("target", target).Msg("subscribed")
}

func (h *Handler) handleUnsub(s *connState, target uuid.UUID, log zerolog.Logger) {
	if s.owner == nil {
		log.Debug().Msg("unsub before auth, dropped")
		return
	}
	if target == s.owner.uuid {
		return
	}
	sub, ok := s.subs[target]
	if !ok {
		// Unsub without a matching Sub is a no-op.
		log.Debug().Stringer("target", target).Msg("unsub for unknown target")
		return
	}
	sub.Cancel()
	delete(s.subs, target)
	log.Debug().Str("username", s.owner.nickname).Stringer("target", target).Msg("unsubscribed")
}

// enqueue puts one frame on the session's outbound queue without blocking.
func (s *connState) enqueue(frame []byte, log zerolog.Logger) {
	select {
	case s.out <- frame:
	default:
		metrics.FramesDropped.Inc()
		log.Debug().Msg("outbound queue full, frame dropped")
	}
}

// writeLoop is the single writer for one connection. It drains the outbound
// queue until the session ends or a write fails; a failed write closes the
// connection, which in turn ends the read loop.
func writeLoop(conn *websocket.Conn, out <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case frame := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				_ = conn.Close()
				return
			}
		case <-done:
			return
		}
	}
}

// relay forwards frames from one subscription into the session's outbound
// queue. It exits when the subscription is cancelled or the queue is full.
func relay(sub *topic.Subscription, out chan<- []byte) {
	for frame := range sub.C {
		select {
		case out <- frame:
		default:
			metrics.FramesDropped.Inc()
			sub.Cancel()
			return
		}
	}
}

func (h *Handler) sendClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)); err != nil {
		h.log.Debug().Err(err).Int("code", code).Msg("write close frame")
	}
}
