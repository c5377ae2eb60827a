package realtime

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/events"
	"github.com/sitesync/engine/pkg/logger"
	"github.com/sitesync/engine/pkg/metrics"
	"go.uber.org/zap"
)

var ErrHubClosed = errors.New("realtime: hub closed")

// op is one request to the hub goroutine. Exactly one field is set.
type op struct {
	join     *membership
	leave    *Session
	event    *events.Event
	direct   *directMessage
	presence *presenceQuery
}

type directMessage struct {
	to      *Session
	typ     string
	payload any
}

// membership is the hub's own record of a joined session.
type membership struct {
	session   *Session
	projectID uuid.UUID
	kind      ClientKind
}

type presenceQuery struct {
	projectID uuid.UUID
	reply     chan bool
}

// Hub owns every room and the agent presence counts. All state lives on the
// goroutine started by Run and is reached only through its inbox, so the
// order in which callers hand over events is the order sessions see them.
type Hub struct {
	inbox chan op
	done  chan struct{}

	rooms   map[uuid.UUID]map[*Session]struct{}
	members map[*Session]membership
	agents  map[uuid.UUID]int
}

func NewHub() *Hub {
	return &Hub{
		inbox:   make(chan op, 256),
		done:    make(chan struct{}),
		rooms:   make(map[uuid.UUID]map[*Session]struct{}),
		members: make(map[*Session]membership),
		agents:  make(map[uuid.UUID]int),
	}
}

var _ events.Publisher = (*Hub)(nil)

// Run serves the inbox until ctx is done, then closes every session.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, room := range h.rooms {
				for s := range room {
					s.close()
				}
			}
			return
		case o := <-h.inbox:
			switch {
			case o.join != nil:
				h.join(o.join)
			case o.leave != nil:
				h.remove(o.leave)
			case o.event != nil:
				h.broadcast(*o.event)
			case o.direct != nil:
				h.sendTo(o.direct.to, o.direct.typ, o.direct.payload)
			case o.presence != nil:
				o.presence.reply <- h.agents[o.presence.projectID] > 0
			}
		}
	}
}

func (h *Hub) submit(ctx context.Context, o op) error {
	select {
	case <-h.done:
		return ErrHubClosed
	default:
	}
	select {
	case h.inbox <- o:
		return nil
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish queues ev for its project room.
func (h *Hub) Publish(ctx context.Context, ev events.Event) error {
	return h.submit(ctx, op{event: &ev})
}

// AgentConnected reports whether an agent session is in the project room.
func (h *Hub) AgentConnected(ctx context.Context, projectID uuid.UUID) (bool, error) {
	q := &presenceQuery{projectID: projectID, reply: make(chan bool, 1)}
	if err := h.submit(ctx, op{presence: q}); err != nil {
		return false, err
	}
	select {
	case v := <-q.reply:
		return v, nil
	case <-h.done:
		return false, ErrHubClosed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Join admits an authenticated session into a project room. The hub confirms
// the handshake to the session itself, so nothing broadcast after Join
// returns can miss it.
func (h *Hub) Join(ctx context.Context, s *Session, projectID uuid.UUID, kind ClientKind) error {
	return h.submit(ctx, op{join: &membership{session: s, projectID: projectID, kind: kind}})
}

// Leave removes a session. It is a no-op for sessions that never joined.
func (h *Hub) Leave(s *Session) {
	_ = h.submit(context.Background(), op{leave: s})
}

// Send delivers one message to a single session, in order with broadcasts.
func (h *Hub) Send(ctx context.Context, s *Session, typ string, payload any) error {
	return h.submit(ctx, op{direct: &directMessage{to: s, typ: typ, payload: payload}})
}

func (h *Hub) join(m *membership) {
	s := m.session
	if _, ok := h.members[s]; ok {
		return
	}
	room := h.rooms[m.projectID]
	if room == nil {
		room = make(map[*Session]struct{})
		h.rooms[m.projectID] = room
	}
	room[s] = struct{}{}
	h.members[s] = *m
	metrics.RealtimeSessions.WithLabelValues(string(m.kind)).Inc()
	logger.Project(m.projectID).Info("session joined",
		zap.String("session_id", s.id), zap.String("kind", string(m.kind)), zap.Int("room_size", len(room)))

	h.sendTo(s, events.TypeAuthenticated, events.Authenticated{Success: true})

	presence := events.AgentPresence{ProjectID: m.projectID.String()}
	if m.kind == KindAgent {
		h.agents[m.projectID]++
		if h.agents[m.projectID] == 1 {
			h.broadcast(events.Event{ProjectID: m.projectID, Type: events.TypeAgentConnected, Payload: presence, Exclude: s.id})
		}
		return
	}
	if h.agents[m.projectID] > 0 {
		h.sendTo(s, events.TypeAgentConnected, presence)
	}
}

func (h *Hub) remove(s *Session) {
	defer s.close()
	m, ok := h.members[s]
	if !ok {
		return
	}
	delete(h.members, s)
	room := h.rooms[m.projectID]
	delete(room, s)
	if len(room) == 0 {
		delete(h.rooms, m.projectID)
	}
	metrics.RealtimeSessions.WithLabelValues(string(m.kind)).Dec()
	logger.Project(m.projectID).Info("session left", zap.String("session_id", s.id), zap.String("kind", string(m.kind)))

	if m.kind != KindAgent {
		return
	}
	h.agents[m.projectID]--
	if h.agents[m.projectID] > 0 {
		return
	}
	delete(h.agents, m.projectID)
	h.broadcast(events.Event{
		ProjectID: m.projectID,
		Type:      events.TypeAgentDisconnected,
		Payload:   events.AgentPresence{ProjectID: m.projectID.String()},
	})
}

func (h *Hub) broadcast(ev events.Event) {
	room := h.rooms[ev.ProjectID]
	if len(room) == 0 {
		return
	}
	msg, err := encode(ev.Type, ev.Payload)
	if err != nil {
		logger.Project(ev.ProjectID).Error("encode event failed", zap.String("type", ev.Type), zap.Error(err))
		return
	}
	for s := range room {
		if s.id == ev.Exclude || (ev.Target != "" && s.id != ev.Target) {
			continue
		}
		h.deliver(s, msg)
	}
}

func (h *Hub) sendTo(s *Session, typ string, payload any) {
	msg, err := encode(typ, payload)
	if err != nil {
		logger.L().Error("encode message failed", zap.String("session_id", s.id), zap.String("type", typ), zap.Error(err))
		return
	}
	h.deliver(s, msg)
}

// deliver never blocks the hub. A session that cannot keep up is dropped and
// reconnects from durable state.
func (h *Hub) deliver(s *Session, msg []byte) {
	select {
	case s.send <- msg:
	case <-s.done:
	default:
		logger.L().Warn("session send buffer full, dropping session", zap.String("session_id", s.id))
		h.remove(s)
	}
}
