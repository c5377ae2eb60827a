// Package vercel adapts the Vercel REST API to provider.Provider.
package vercel

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/sitesync/engine/internal/provider"
	appErr "github.com/sitesync/engine/pkg/errors"
	"github.com/sitesync/engine/pkg/utils"
	"golang.org/x/sync/errgroup"
)

const (
	Name           = "vercel"
	DefaultBaseURL = "https://api.vercel.com"
)

func init() {
	provider.Register(Name, func(cfg provider.Config) (provider.Provider, error) {
		return New(cfg)
	})
}

type Adapter struct {
	api    *provider.Client
	teamID string
}

// New returns a Vercel adapter. cfg.TeamID scopes every call to a team when set.
func New(cfg provider.Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, appErr.New(appErr.CodeInvalid, "vercel token is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return &Adapter{api: provider.NewClient(Name, base, cfg.Token, cfg), teamID: cfg.TeamID}, nil
}

var _ provider.Provider = (*Adapter)(nil)

func (a *Adapter) Name() string { return Name }

func (a *Adapter) query() map[string]string {
	if a.teamID == "" {
		return nil
	}
	return map[string]string{"teamId": a.teamID}
}

type project struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type deployment struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	ReadyState   string `json:"readyState"`
	ErrorMessage string `json:"errorMessage"`
}

type fileRef struct {
	File string `json:"file"`
	SHA  string `json:"sha"`
	Size int    `json:"size"`
}

func (a *Adapter) CreateSite(ctx context.Context, s provider.Site) (string, error) {
	var out project
	err := a.api.Do(ctx, provider.Request{
		Method: http.MethodPost,
		Path:   "/v10/projects",
		Query:  a.query(),
		Body:   map[string]any{"name": provider.SiteName(s), "framework": nil},
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", appErr.New(appErr.CodeProviderFailed, "vercel returned a project without id")
	}
	return out.ID, nil
}

// CreateDeploy uploads each file by digest, then creates a production
// deployment that references them.
func (a *Adapter) CreateDeploy(ctx context.Context, siteID string, artifact *provider.Artifact) (string, error) {
	if artifact == nil || len(artifact.Files) == 0 {
		return "", appErr.New(appErr.CodeInvalid, "vercel deploy requires at least one file")
	}
	paths := make([]string, 0, len(artifact.Files))
	for p := range artifact.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	refs := make([]fileRef, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(6)
	for i, p := range paths {
		i, p := i, p
		data := artifact.Files[p]
		refs[i] = fileRef{File: p, SHA: utils.SHA1Hex(data), Size: len(data)}
		g.Go(func() error {
			return a.api.Do(gctx, provider.Request{
				Method:      http.MethodPost,
				Path:        "/v2/files",
				Query:       a.query(),
				RawBody:     data,
				ContentType: "application/octet-stream",
				Header:      map[string]string{"x-vercel-digest": refs[i].SHA},
			}, nil)
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	var out deployment
	err := a.api.Do(ctx, provider.Request{
		Method: http.MethodPost,
		Path:   "/v13/deployments",
		Query:  a.query(),
		Body: map[string]any{
			"name":            siteID,
			"project":         siteID,
			"target":          "production",
			"files":           refs,
			"projectSettings": map[string]any{"framework": nil},
		},
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", appErr.New(appErr.CodeProviderFailed, "vercel returned a deployment without id")
	}
	return out.ID, nil
}

func (a *Adapter) GetDeployStatus(ctx context.Context, deployID string) (*provider.DeployStatus, error) {
	var out deployment
	err := a.api.Do(ctx, provider.Request{
		Method: http.MethodGet,
		Path:   "/v13/deployments/" + deployID,
		Query:  a.query(),
	}, &out)
	if err != nil {
		return nil, err
	}
	st := &provider.DeployStatus{State: mapState(out.ReadyState), URL: withScheme(out.URL), Error: out.ErrorMessage}
	if st.State == provider.StateError && st.Error == "" {
		st.Error = "vercel reported deployment state " + out.ReadyState
	}
	return st, nil
}

func mapState(s string) provider.State {
	switch strings.ToUpper(s) {
	case "READY":
		return provider.StateReady
	case "ERROR", "CANCELED":
		return provider.StateError
	case "BUILDING":
		return provider.StateBuilding
	default:
		return provider.StatePending
	}
}

func withScheme(u string) string {
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return "https://" + u
}

// GetSiteURL returns the first verified domain of the project.
func (a *Adapter) GetSiteURL(ctx context.Context, siteID string) (string, error) {
	var out struct {
		Domains []struct {
			Name     string `json:"name"`
			Verified bool   `json:"verified"`
		} `json:"domains"`
	}
	err := a.api.Do(ctx, provider.Request{
		Method: http.MethodGet,
		Path:   "/v9/projects/" + siteID + "/domains",
		Query:  a.query(),
	}, &out)
	if err != nil {
		return "", err
	}
	for _, d := range out.Domains {
		if d.Verified && d.Name != "" {
			return withScheme(d.Name), nil
		}
	}
	return "", appErr.New(appErr.CodeNotFound, "vercel project has no verified domain")
}

func (a *Adapter) DeleteSite(ctx context.Context, siteID string) error {
	err := a.api.Do(ctx, provider.Request{
		Method: http.MethodDelete,
		Path:   "/v9/projects/" + siteID,
		Query:  a.query(),
	}, nil)
	if appErr.IsCode(err, appErr.CodeNotFound) {
		return nil
	}
	return err
}
