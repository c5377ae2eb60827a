package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sitesync/engine/internal/events"
	"github.com/sitesync/engine/internal/models"
	"github.com/sitesync/engine/internal/services"
	appErr "github.com/sitesync/engine/pkg/errors"
	"github.com/sitesync/engine/pkg/logger"
	"go.uber.org/zap"
)

// Services are the operations sessions may invoke.
type Services struct {
	Ledger   services.LedgerService
	Commits  services.CommitService
	Deploys  services.DeployService
	Projects services.ProjectService
	// Events carries save_success on the same path as commit_created so the
	// saving session sees the commit broadcast first. Nil means the hub.
	Events events.Publisher
}

type Options struct {
	// JWTSecret, when set, makes the handshake token mandatory.
	JWTSecret []byte
	// AllowedOrigins limits browser origins; empty allows any.
	AllowedOrigins []string
}

// Handler upgrades HTTP requests to realtime sessions.
type Handler struct {
	hub      *Hub
	svc      Services
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, svc Services, opts Options) *Handler {
	if svc.Events == nil {
		svc.Events = hub
	}
	h := &Handler{hub: hub, svc: svc, opts: opts}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	s := newSession(conn)
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	go s.writePump()
	defer func() {
		if rec := recover(); rec != nil {
			s.log().Error("session panicked", zap.Any("panic", rec), zap.Stack("stack"))
		}
		h.hub.Leave(s)
		s.close()
	}()
	s.readPump(ctx, func(ctx context.Context, env Envelope) { h.dispatch(ctx, s, env) })
}

func (h *Handler) dispatch(ctx context.Context, s *Session, env Envelope) {
	if !s.authenticated() {
		if env.Type != CmdAuthenticate {
			s.log().Debug("frame before authentication ignored", zap.String("type", env.Type))
			return
		}
		h.authenticate(ctx, s, env)
		return
	}

	var err error
	switch env.Type {
	case CmdAuthenticate:
		// Sessions are bound to one room for their lifetime.
		return
	case CmdStageChange:
		err = h.stageChange(ctx, s, env)
	case CmdSaveAllChanges:
		err = h.saveAllChanges(ctx, s, env)
	case CmdDiscardAllChanges:
		_, err = h.svc.Ledger.Discard(ctx, s.projectID)
	case CmdGetStatus:
		err = h.getStatus(ctx, s)
	default:
		err = appErr.New(appErr.CodeInvalid, "unknown message type "+env.Type)
	}
	if err != nil {
		h.replyError(ctx, s, env.Type, err)
	}
}

func (h *Handler) authenticate(ctx context.Context, s *Session, env Envelope) {
	var p AuthenticatePayload
	if err := decodePayload(env, &p); err != nil {
		h.rejectHandshake(ctx, s, "malformed authenticate payload")
		return
	}
	projectID, err := uuid.Parse(p.ProjectID)
	if err != nil {
		h.rejectHandshake(ctx, s, "invalid projectId")
		return
	}
	if !p.ClientKind.Valid() {
		h.rejectHandshake(ctx, s, "invalid clientKind")
		return
	}
	userID := ""
	if len(h.opts.JWTSecret) > 0 {
		userID, err = verifyToken(h.opts.JWTSecret, p.Token)
		if err != nil {
			h.rejectHandshake(ctx, s, "invalid token")
			return
		}
	}
	if _, err := h.svc.Projects.GetProject(ctx, projectID, userID); err != nil {
		h.rejectHandshake(ctx, s, "project not available")
		return
	}

	s.projectID = projectID
	s.kind = p.ClientKind
	if err := h.hub.Join(ctx, s, projectID, p.ClientKind); err != nil {
		s.log().Warn("join room failed", zap.Error(err))
		s.close()
	}
}

func (h *Handler) rejectHandshake(ctx context.Context, s *Session, reason string) {
	logger.L().Info("handshake rejected", zap.String("session_id", s.id), zap.String("reason", reason))
	_ = h.hub.Send(ctx, s, events.TypeAuthenticated, events.Authenticated{Success: false, Error: reason})
}

func verifyToken(secret []byte, tokenStr string) (string, error) {
	if tokenStr == "" {
		return "", errors.New("missing token")
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("unexpected claims")
	}
	sub, _ := claims["sub"].(string)
	return sub, nil
}

func (h *Handler) stageChange(ctx context.Context, s *Session, env Envelope) error {
	var p StageChangePayload
	if err := decodePayload(env, &p); err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "malformed stage_change payload")
	}
	_, err := h.svc.Ledger.Stage(events.WithOrigin(ctx, s.id), s.projectID, services.StageInput{
		Path:    p.Path,
		Action:  models.ChangeAction(p.Action),
		Content: []byte(p.Content),
	})
	return err
}

// saveAllChanges commits the ledger and starts a deploy of the new commit.
// A deploy already in flight does not undo the save; the sender is told.
func (h *Handler) saveAllChanges(ctx context.Context, s *Session, env Envelope) error {
	var p SaveAllChangesPayload
	if err := decodePayload(env, &p); err != nil {
		return appErr.Wrap(err, appErr.CodeInvalid, "malformed save_all_changes payload")
	}
	commit, err := h.svc.Commits.Commit(ctx, s.projectID, services.CommitInput{Message: p.Message, Author: string(s.kind)})
	if err != nil {
		return err
	}
	if err := h.svc.Events.Publish(ctx, events.Event{
		ProjectID: s.projectID,
		Type:      events.TypeSaveSuccess,
		Payload:   events.SaveSuccess{CommitID: commit.ID.String(), FileCount: commit.FileCount},
		Target:    s.id,
	}); err != nil {
		s.log().Warn("publish save_success failed", zap.Error(err))
	}

	if _, err := h.svc.Deploys.Trigger(ctx, s.projectID, commit.ID); err != nil {
		return err
	}
	return nil
}

func (h *Handler) getStatus(ctx context.Context, s *Session) error {
	st, err := h.svc.Projects.Status(ctx, s.projectID)
	if err != nil {
		return err
	}
	agent, err := h.hub.AgentConnected(ctx, s.projectID)
	if err != nil {
		return appErr.Wrap(err, appErr.CodeUnavailable, "presence lookup failed")
	}
	return h.hub.Send(ctx, s, events.TypeStatus, events.Status{
		DeployStatus:   string(st.DeployStatus),
		URL:            st.URL,
		PendingChanges: int(st.PendingChanges),
		AgentConnected: agent,
	})
}

func (h *Handler) replyError(ctx context.Context, s *Session, cmd string, err error) {
	code := appErr.CodeOf(err)
	msg := err.Error()
	var ae *appErr.AppError
	if errors.As(err, &ae) {
		msg = ae.Message
	}
	if code == appErr.CodeUnknown || code == appErr.CodeInternal {
		s.log().Error("realtime command failed", zap.String("command", cmd), zap.Error(err))
		msg = "internal error"
	} else {
		s.log().Info("realtime command rejected", zap.String("command", cmd), zap.String("code", string(code)), zap.Error(err))
	}
	_ = h.hub.Send(ctx, s, events.TypeError, events.Error{Code: string(code), Message: msg})
}
