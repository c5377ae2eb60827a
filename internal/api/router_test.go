package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/api/handlers"
	mw "github.com/sitesync/engine/internal/api/middleware"
	"github.com/sitesync/engine/internal/contentstore"
	"github.com/sitesync/engine/internal/events"
	"github.com/sitesync/engine/internal/repository"
	"github.com/sitesync/engine/internal/services"
	"github.com/sitesync/engine/internal/testutil"
	"github.com/sitesync/engine/pkg/logger"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

type nopScheduler struct{}

func (nopScheduler) ScheduleBuild(context.Context, uuid.UUID) error { return nil }

func (nopScheduler) SchedulePoll(context.Context, uuid.UUID, time.Duration) error { return nil }

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	db := testutil.NewDB(t)
	projectRepo := repository.NewProjectRepository(db)
	changeRepo := repository.NewPendingChangeRepository(db)
	historyRepo := repository.NewHistoryRepository(db)
	deployRepo := repository.NewDeployRepository(db)
	lockRepo := repository.NewLockRepository(db)
	pub := events.Discard

	ledger := services.NewLedgerService(projectRepo, changeRepo, pub)
	commits := services.NewCommitService(db, projectRepo, changeRepo, historyRepo, lockRepo, contentstore.NewDBStore(db), pub, services.CommitOptions{})
	deploys := services.NewDeployService(db, projectRepo, historyRepo, deployRepo, lockRepo, nopScheduler{}, pub, services.DeployServiceOptions{})
	projects := services.NewProjectService(projectRepo, changeRepo, deployRepo, contentstore.NewDBStore(db), nil)

	srv := httptest.NewServer(NewRouter(Dependencies{
		HMACSecret:         secret,
		RateLimiter:        mw.NewRateLimiter(1000, 1000),
		HealthHandler:      handlers.NewHealthHandler(nil),
		ProjectsHandler:    handlers.NewProjectsHandler(projects),
		ChangesHandler:     handlers.NewChangesHandler(ledger, commits, deploys),
		HistoryHandler:     handlers.NewHistoryHandler(commits),
		DeploymentsHandler: handlers.NewDeploymentsHandler(deploys),
	}))
	t.Cleanup(srv.Close)
	return srv
}

type client struct {
	t     *testing.T
	base  string
	token string
}

func newClient(t *testing.T, srv *httptest.Server, user string) *client {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: user}).SignedString(secret)
	require.NoError(t, err)
	return &client{t: t, base: srv.URL, token: tok}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func (c *client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		var env envelope
		require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&env))
		if e, ok := out.(*envelope); ok {
			*e = env
		} else if env.Success {
			require.NoError(c.t, json.Unmarshal(env.Data, out))
		}
	}
	return resp.StatusCode
}

type idOnly struct {
	ID string `json:"id"`
}

func TestProjectLifecycle(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv, "user-1")

	var p idOnly
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/v1/projects/", map[string]string{"name": "Blog"}, &p))
	base := "/api/v1/projects/" + p.ID

	require.Equal(t, http.StatusOK, c.do(http.MethodPost, base+"/changes", map[string]string{"path": "index.html", "action": "added", "content": "hello"}, nil))
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, base+"/changes", map[string]string{"path": "about.html", "action": "added", "content": "about"}, nil))

	var changes []map[string]any
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, base+"/changes", nil, &changes))
	require.Len(t, changes, 2)

	var saved struct {
		Commit struct {
			ID        string `json:"id"`
			FileCount int    `json:"file_count"`
		} `json:"commit"`
		Deploy *idOnly `json:"deploy"`
	}
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, base+"/commits", map[string]any{"message": "first", "deploy": true}, &saved))
	require.Equal(t, 2, saved.Commit.FileCount)
	require.NotNil(t, saved.Deploy)

	var st struct {
		DeployStatus   string `json:"deployStatus"`
		PendingChanges int64  `json:"pendingChanges"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, base+"/status", nil, &st))
	require.Equal(t, "pending", st.DeployStatus)
	require.Zero(t, st.PendingChanges)

	var env envelope
	require.Equal(t, http.StatusConflict, c.do(http.MethodPost, base+"/deploys", nil, &env))
	require.Equal(t, "deploy_in_progress", env.Error.Code)

	// A project with an active deploy cannot be deleted.
	require.Equal(t, http.StatusConflict, c.do(http.MethodDelete, base, nil, &env))

	var cancelled struct {
		Status string `json:"status"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, base+"/deploys/"+saved.Deploy.ID+"/cancel", nil, &cancelled))
	require.Equal(t, "cancelled", cancelled.Status)

	var logs []map[string]any
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, base+"/deploys/"+saved.Deploy.ID+"/logs", nil, &logs))
	require.NotEmpty(t, logs)

	var tree []struct {
		Path string `json:"path"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, base+"/files", nil, &tree))
	require.Len(t, tree, 2)
	require.Equal(t, "about.html", tree[0].Path)

	var history []map[string]any
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, base+"/files/history?path=index.html", nil, &history))
	require.Len(t, history, 1)

	var commit struct {
		Files []map[string]any `json:"files"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, base+"/commits/"+saved.Commit.ID, nil, &commit))
	require.Len(t, commit.Files, 2)

	require.Equal(t, http.StatusNoContent, c.do(http.MethodDelete, base, nil, nil))
	require.Equal(t, http.StatusNotFound, c.do(http.MethodGet, base, nil, &env))
}

func TestFileContent(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv, "user-1")
	var p idOnly
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/v1/projects/", map[string]string{"name": "Blog"}, &p))
	base := "/api/v1/projects/" + p.ID
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, base+"/changes", map[string]string{"path": "index.html", "action": "added", "content": "hello"}, nil))
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, base+"/commits", nil, nil))

	req, err := http.NewRequest(http.MethodGet, srv.URL+base+"/files/content?path=index.html", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello", buf.String())
}

func TestAccessControl(t *testing.T) {
	srv := newServer(t)
	owner := newClient(t, srv, "user-1")
	other := newClient(t, srv, "user-2")
	anon := &client{t: t, base: srv.URL}

	var p idOnly
	require.Equal(t, http.StatusCreated, owner.do(http.MethodPost, "/api/v1/projects/", map[string]string{"name": "Blog"}, &p))

	var env envelope
	require.Equal(t, http.StatusUnauthorized, anon.do(http.MethodGet, "/api/v1/projects/", nil, &env))
	require.Equal(t, http.StatusForbidden, other.do(http.MethodGet, "/api/v1/projects/"+p.ID, nil, &env))
	require.Equal(t, http.StatusNotFound, owner.do(http.MethodGet, "/api/v1/projects/"+uuid.NewString(), nil, &env))
	require.Equal(t, http.StatusBadRequest, owner.do(http.MethodGet, "/api/v1/projects/not-a-uuid", nil, &env))

	var mine []idOnly
	require.Equal(t, http.StatusOK, other.do(http.MethodGet, "/api/v1/projects/", nil, &mine))
	require.Empty(t, mine)
}

func TestValidationErrors(t *testing.T) {
	srv := newServer(t)
	c := newClient(t, srv, "user-1")

	var env envelope
	require.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/api/v1/projects/", map[string]string{"name": "x", "templateKind": "rails"}, &env))
	require.Equal(t, "invalid", env.Error.Code)

	var p idOnly
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/v1/projects/", map[string]string{"name": "Blog"}, &p))
	base := "/api/v1/projects/" + p.ID
	require.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, base+"/changes", map[string]string{"path": "a", "action": "renamed"}, &env))
	require.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, base+"/commits", nil, &env))
	require.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, base+"/deploys", map[string]string{"commitId": "nope"}, &env))
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newServer(t)
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}
