package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sitesync/engine/internal/contentstore"
	"github.com/sitesync/engine/internal/events"
	"github.com/sitesync/engine/internal/models"
	"github.com/sitesync/engine/internal/repository"
	"github.com/sitesync/engine/internal/services"
	"github.com/sitesync/engine/internal/testutil"
	"github.com/sitesync/engine/pkg/logger"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type nopScheduler struct{}

func (nopScheduler) ScheduleBuild(context.Context, uuid.UUID) error { return nil }

func (nopScheduler) SchedulePoll(context.Context, uuid.UUID, time.Duration) error { return nil }

type fixture struct {
	url     string
	project *models.Project
	svc     Services
}

// lagRelay hands events to the hub from one goroutine after a delay, in
// publish order, the way the Redis relay does between processes.
type lagRelay struct {
	queue chan events.Event
}

func newLagRelay(ctx context.Context, hub *Hub, lag time.Duration) *lagRelay {
	r := &lagRelay{queue: make(chan events.Event, 64)}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-r.queue:
				time.Sleep(lag)
				_ = hub.Publish(ctx, ev)
			}
		}
	}()
	return r
}

func (r *lagRelay) Publish(ctx context.Context, ev events.Event) error {
	r.queue <- ev
	return nil
}

func newFixture(t *testing.T, opts Options) *fixture {
	return newRelayedFixture(t, opts, 0)
}

// newRelayedFixture routes service events through a lagRelay when lag > 0.
func newRelayedFixture(t *testing.T, opts Options, lag time.Duration) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	var pub events.Publisher = hub
	if lag > 0 {
		pub = newLagRelay(ctx, hub, lag)
	}

	projectRepo := repository.NewProjectRepository(db)
	changeRepo := repository.NewPendingChangeRepository(db)
	historyRepo := repository.NewHistoryRepository(db)
	deployRepo := repository.NewDeployRepository(db)
	lockRepo := repository.NewLockRepository(db)
	svc := Services{
		Ledger:   services.NewLedgerService(projectRepo, changeRepo, pub),
		Commits:  services.NewCommitService(db, projectRepo, changeRepo, historyRepo, lockRepo, contentstore.NewDBStore(db), pub, services.CommitOptions{}),
		Deploys:  services.NewDeployService(db, projectRepo, historyRepo, deployRepo, lockRepo, nopScheduler{}, pub, services.DeployServiceOptions{}),
		Projects: services.NewProjectService(projectRepo, changeRepo, deployRepo, contentstore.NewDBStore(db), nil),
		Events:   pub,
	}
	srv := httptest.NewServer(NewHandler(hub, svc, opts))
	t.Cleanup(srv.Close)

	p := testutil.NewProject(t, db, "Blog")
	p.UserID = "user-1"
	require.NoError(t, db.Save(p).Error)
	return &fixture{url: "ws" + strings.TrimPrefix(srv.URL, "http"), project: p, svc: svc}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	msg, err := encode(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, msg))
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// readUntil skips messages of other types.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) Envelope {
	t.Helper()
	for {
		if env := read(t, conn); env.Type == typ {
			return env
		}
	}
}

// drain collects every message that arrives within d. The connection is not
// readable afterwards.
func drain(conn *websocket.Conn, d time.Duration) []Envelope {
	var out []Envelope
	_ = conn.SetReadDeadline(time.Now().Add(d))
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return out
		}
		out = append(out, env)
	}
}

func countType(envs []Envelope, typ string) int {
	n := 0
	for _, e := range envs {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (f *fixture) join(t *testing.T, kind ClientKind) *websocket.Conn {
	t.Helper()
	conn := f.dial(t)
	send(t, conn, CmdAuthenticate, AuthenticatePayload{ProjectID: f.project.ID.String(), ClientKind: kind})
	env := read(t, conn)
	require.Equal(t, events.TypeAuthenticated, env.Type)
	var auth events.Authenticated
	require.NoError(t, json.Unmarshal(env.Payload, &auth))
	require.True(t, auth.Success, auth.Error)
	return conn
}

func TestStagedChangeReachesOtherSessionOnce(t *testing.T) {
	f := newFixture(t, Options{})
	agent := f.join(t, KindAgent)
	dashboard := f.join(t, KindDashboard)
	readUntil(t, dashboard, events.TypeAgentConnected)

	send(t, agent, CmdStageChange, StageChangePayload{Path: "index.html", Action: "added", Content: "hello"})

	env := readUntil(t, dashboard, events.TypeFileChangeStaged)
	var staged events.FileChangeStaged
	require.NoError(t, json.Unmarshal(env.Payload, &staged))
	require.Equal(t, events.FileChangeStaged{Path: "index.html", Action: "added", Revision: 1}, staged)
	require.Zero(t, countType(drain(dashboard, 300*time.Millisecond), events.TypeFileChangeStaged))

	// The sender does not get its own echo.
	require.Zero(t, countType(drain(agent, 300*time.Millisecond), events.TypeFileChangeStaged))

	changes, err := f.svc.Ledger.List(context.Background(), f.project.ID)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	require.Equal(t, "hello", string(changes[0].Content))
}

func TestAgentPresence(t *testing.T) {
	f := newFixture(t, Options{})
	dashboard := f.join(t, KindDashboard)

	send(t, dashboard, CmdGetStatus, nil)
	env := readUntil(t, dashboard, events.TypeStatus)
	var st events.Status
	require.NoError(t, json.Unmarshal(env.Payload, &st))
	require.False(t, st.AgentConnected)

	agent := f.join(t, KindAgent)
	env = readUntil(t, dashboard, events.TypeAgentConnected)
	var presence events.AgentPresence
	require.NoError(t, json.Unmarshal(env.Payload, &presence))
	require.Equal(t, f.project.ID.String(), presence.ProjectID)

	send(t, dashboard, CmdGetStatus, nil)
	env = readUntil(t, dashboard, events.TypeStatus)
	require.NoError(t, json.Unmarshal(env.Payload, &st))
	require.True(t, st.AgentConnected)

	require.NoError(t, agent.Close())
	readUntil(t, dashboard, events.TypeAgentDisconnected)

	// A reconnecting dashboard learns about an agent that is already there.
	f.join(t, KindAgent)
	late := f.join(t, KindDashboard)
	readUntil(t, late, events.TypeAgentConnected)
}

func TestDiscardAllChanges(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	for _, p := range []string{"a.html", "b.html", "c.html"} {
		_, err := f.svc.Ledger.Stage(ctx, f.project.ID, services.StageInput{Path: p, Action: models.ActionAdded, Content: []byte(p)})
		require.NoError(t, err)
	}
	dashboard := f.join(t, KindDashboard)

	send(t, dashboard, CmdDiscardAllChanges, nil)
	env := readUntil(t, dashboard, events.TypeDiscardSuccess)
	var ds events.DiscardSuccess
	require.NoError(t, json.Unmarshal(env.Payload, &ds))
	require.Equal(t, 3, ds.Discarded)
	require.Zero(t, countType(drain(dashboard, 300*time.Millisecond), events.TypeDiscardSuccess))

	n, err := f.svc.Ledger.Count(ctx, f.project.ID)
	require.NoError(t, err)
	require.Zero(t, n)
	commits, err := f.svc.Commits.ListCommits(ctx, f.project.ID, 10)
	require.NoError(t, err)
	require.Empty(t, commits)
}

func TestSaveAllChangesCommitsAndDeploys(t *testing.T) {
	f := newFixture(t, Options{})
	agent := f.join(t, KindAgent)
	toolbar := f.join(t, KindToolbar)

	send(t, agent, CmdStageChange, StageChangePayload{Path: "index.html", Action: "added", Content: "hello"})
	readUntil(t, toolbar, events.TypeFileChangeStaged)

	send(t, toolbar, CmdSaveAllChanges, SaveAllChangesPayload{Message: "first"})
	env := readUntil(t, toolbar, events.TypeCommitCreated)
	var cc events.CommitCreated
	require.NoError(t, json.Unmarshal(env.Payload, &cc))
	require.Equal(t, "first", cc.Message)
	require.Equal(t, 1, cc.FileCount)

	env = readUntil(t, toolbar, events.TypeSaveSuccess)
	var ss events.SaveSuccess
	require.NoError(t, json.Unmarshal(env.Payload, &ss))
	require.Equal(t, cc.CommitID, ss.CommitID)

	env = readUntil(t, toolbar, events.TypeDeployStatusUpdate)
	var du events.DeployStatusUpdate
	require.NoError(t, json.Unmarshal(env.Payload, &du))
	require.Equal(t, "pending", du.Status)

	// The agent sees the commit too.
	readUntil(t, agent, events.TypeCommitCreated)

	// A second save while the deploy is active keeps the commit but reports the conflict.
	send(t, agent, CmdStageChange, StageChangePayload{Path: "about.html", Action: "added", Content: "about"})
	readUntil(t, toolbar, events.TypeFileChangeStaged)
	send(t, toolbar, CmdSaveAllChanges, nil)
	readUntil(t, toolbar, events.TypeSaveSuccess)
	env = readUntil(t, toolbar, events.TypeError)
	var e events.Error
	require.NoError(t, json.Unmarshal(env.Payload, &e))
	require.Equal(t, "deploy_in_progress", e.Code)
}

func TestSaveSuccessFollowsCommitCreatedThroughRelay(t *testing.T) {
	f := newRelayedFixture(t, Options{}, 50*time.Millisecond)
	agent := f.join(t, KindAgent)
	toolbar := f.join(t, KindToolbar)
	readUntil(t, toolbar, events.TypeAgentConnected)

	send(t, agent, CmdStageChange, StageChangePayload{Path: "index.html", Action: "added", Content: "hello"})
	readUntil(t, toolbar, events.TypeFileChangeStaged)

	send(t, toolbar, CmdSaveAllChanges, SaveAllChangesPayload{Message: "first"})
	var order []string
	for len(order) < 2 {
		env := read(t, toolbar)
		if env.Type == events.TypeCommitCreated || env.Type == events.TypeSaveSuccess {
			order = append(order, env.Type)
		}
	}
	require.Equal(t, []string{events.TypeCommitCreated, events.TypeSaveSuccess}, order)

	// save_success is addressed to the saving session only.
	readUntil(t, agent, events.TypeCommitCreated)
	require.Zero(t, countType(drain(agent, 500*time.Millisecond), events.TypeSaveSuccess))
}

func TestEmptySaveReportsError(t *testing.T) {
	f := newFixture(t, Options{})
	dashboard := f.join(t, KindDashboard)
	send(t, dashboard, CmdSaveAllChanges, nil)
	env := readUntil(t, dashboard, events.TypeError)
	var e events.Error
	require.NoError(t, json.Unmarshal(env.Payload, &e))
	require.Equal(t, "invalid", e.Code)
}

func TestTrafficBeforeAuthenticationIsIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	conn := f.dial(t)
	send(t, conn, CmdStageChange, StageChangePayload{Path: "index.html", Action: "added", Content: "x"})
	send(t, conn, CmdGetStatus, nil)

	send(t, conn, CmdAuthenticate, AuthenticatePayload{ProjectID: f.project.ID.String(), ClientKind: KindDashboard})
	require.Equal(t, events.TypeAuthenticated, read(t, conn).Type)

	n, err := f.svc.Ledger.Count(context.Background(), f.project.ID)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestHandshakeRejections(t *testing.T) {
	secret := []byte("s3cret")
	f := newFixture(t, Options{JWTSecret: secret})
	sign := func(sub string) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub}).SignedString(secret)
		require.NoError(t, err)
		return tok
	}

	cases := []struct {
		name    string
		payload AuthenticatePayload
	}{
		{"unknown project", AuthenticatePayload{ProjectID: uuid.NewString(), ClientKind: KindAgent, Token: sign("user-1")}},
		{"bad kind", AuthenticatePayload{ProjectID: f.project.ID.String(), ClientKind: "robot", Token: sign("user-1")}},
		{"missing token", AuthenticatePayload{ProjectID: f.project.ID.String(), ClientKind: KindAgent}},
		{"other user", AuthenticatePayload{ProjectID: f.project.ID.String(), ClientKind: KindAgent, Token: sign("user-2")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := f.dial(t)
			send(t, conn, CmdAuthenticate, tc.payload)
			env := read(t, conn)
			require.Equal(t, events.TypeAuthenticated, env.Type)
			var auth events.Authenticated
			require.NoError(t, json.Unmarshal(env.Payload, &auth))
			require.False(t, auth.Success)
		})
	}

	t.Run("owner", func(t *testing.T) {
		conn := f.dial(t)
		send(t, conn, CmdAuthenticate, AuthenticatePayload{ProjectID: f.project.ID.String(), ClientKind: KindAgent, Token: sign("user-1")})
		var auth events.Authenticated
		require.NoError(t, json.Unmarshal(read(t, conn).Payload, &auth))
		require.True(t, auth.Success)
	})
}

func TestPublishWithoutListenersIsDropped(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	require.NoError(t, hub.Publish(ctx, events.Event{ProjectID: uuid.New(), Type: events.TypeCommitCreated}))
	connected, err := hub.AgentConnected(ctx, uuid.New())
	require.NoError(t, err)
	require.False(t, connected)

	cancel()
	require.Eventually(t, func() bool {
		return hub.Publish(context.Background(), events.Event{}) == ErrHubClosed
	}, time.Second, 10*time.Millisecond)
}
