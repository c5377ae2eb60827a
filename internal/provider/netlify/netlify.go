// Package netlify adapts the Netlify REST API to provider.Provider.
package netlify

import (
	"context"
	"net/http"

	"github.com/sitesync/engine/internal/provider"
	appErr "github.com/sitesync/engine/pkg/errors"
)

const (
	Name           = "netlify"
	DefaultBaseURL = "https://api.netlify.com/api/v1"
)

func init() {
	provider.Register(Name, func(cfg provider.Config) (provider.Provider, error) {
		return New(cfg)
	})
}

type Adapter struct {
	api *provider.Client
}

// New returns a Netlify adapter. cfg.Token is a personal access token.
func New(cfg provider.Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, appErr.New(appErr.CodeInvalid, "netlify token is required")
	}
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return &Adapter{api: provider.NewClient(Name, base, cfg.Token, cfg)}, nil
}

var _ provider.Provider = (*Adapter)(nil)

func (a *Adapter) Name() string { return Name }

type site struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	URL    string `json:"url"`
	SSLURL string `json:"ssl_url"`
}

type deploy struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	SSLURL       string `json:"ssl_url"`
	DeploySSLURL string `json:"deploy_ssl_url"`
	DeployURL    string `json:"deploy_url"`
	ErrorMessage string `json:"error_message"`
}

func (a *Adapter) CreateSite(ctx context.Context, s provider.Site) (string, error) {
	var out site
	err := a.api.Do(ctx, provider.Request{
		Method: http.MethodPost,
		Path:   "/sites",
		Body:   map[string]string{"name": provider.SiteName(s)},
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", appErr.New(appErr.CodeProviderFailed, "netlify returned a site without id")
	}
	return out.ID, nil
}

// CreateDeploy uploads the zipped artifact in one request. Netlify builds
// nothing on its side for zip deploys and processes the upload asynchronously.
func (a *Adapter) CreateDeploy(ctx context.Context, siteID string, artifact *provider.Artifact) (string, error) {
	if artifact == nil || len(artifact.Zip) == 0 {
		return "", appErr.New(appErr.CodeInvalid, "netlify deploy requires a zip artifact")
	}
	var out deploy
	err := a.api.Do(ctx, provider.Request{
		Method:      http.MethodPost,
		Path:        "/sites/" + siteID + "/deploys",
		RawBody:     artifact.Zip,
		ContentType: "application/zip",
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", appErr.New(appErr.CodeProviderFailed, "netlify returned a deploy without id")
	}
	return out.ID, nil
}

func (a *Adapter) GetDeployStatus(ctx context.Context, deployID string) (*provider.DeployStatus, error) {
	var out deploy
	if err := a.api.Do(ctx, provider.Request{Method: http.MethodGet, Path: "/deploys/" + deployID}, &out); err != nil {
		return nil, err
	}
	st := &provider.DeployStatus{State: mapState(out.State), Error: out.ErrorMessage}
	switch {
	case out.SSLURL != "":
		st.URL = out.SSLURL
	case out.DeploySSLURL != "":
		st.URL = out.DeploySSLURL
	default:
		st.URL = out.DeployURL
	}
	if st.State == provider.StateError && st.Error == "" {
		st.Error = "netlify reported deploy state " + out.State
	}
	return st, nil
}

func mapState(s string) provider.State {
	switch s {
	case "ready":
		return provider.StateReady
	case "error", "rejected":
		return provider.StateError
	case "building", "processing", "processed", "preparing", "prepared", "uploaded":
		return provider.StateBuilding
	default:
		return provider.StatePending
	}
}

func (a *Adapter) GetSiteURL(ctx context.Context, siteID string) (string, error) {
	var out site
	if err := a.api.Do(ctx, provider.Request{Method: http.MethodGet, Path: "/sites/" + siteID}, &out); err != nil {
		return "", err
	}
	if out.SSLURL != "" {
		return out.SSLURL, nil
	}
	if out.URL != "" {
		return out.URL, nil
	}
	return "", appErr.New(appErr.CodeNotFound, "netlify site has no url")
}

func (a *Adapter) DeleteSite(ctx context.Context, siteID string) error {
	err := a.api.Do(ctx, provider.Request{Method: http.MethodDelete, Path: "/sites/" + siteID}, nil)
	if appErr.IsCode(err, appErr.CodeNotFound) {
		return nil
	}
	return err
}
