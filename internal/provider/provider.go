// Package provider defines the contract between the deploy state machine and
// hosting platforms. Every platform-specific field mapping lives in an
// adapter package; the orchestrator only sees the types declared here.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	appErr "github.com/sitesync/engine/pkg/errors"
)

// State is a provider deploy state mapped into the orchestrator's vocabulary.
type State string

const (
	StatePending  State = "pending"
	StateBuilding State = "building"
	StateReady    State = "ready"
	StateError    State = "error"
)

// Terminal reports whether polling can stop.
func (s State) Terminal() bool { return s == StateReady || s == StateError }

// DeployStatus is what a poll of the provider returns.
type DeployStatus struct {
	State State
	URL   string
	Error string
}

// Site describes the project a provider site is created for.
type Site struct {
	ProjectID uuid.UUID
	Name      string
}

// Artifact is a built site ready for upload. Zip holds the same files as
// Files, archived with paths relative to the site root.
type Artifact struct {
	Zip   []byte
	Files map[string][]byte
}

// Provider is implemented by each hosting platform adapter.
type Provider interface {
	Name() string
	CreateSite(ctx context.Context, site Site) (siteID string, err error)
	CreateDeploy(ctx context.Context, siteID string, artifact *Artifact) (deployID string, err error)
	GetDeployStatus(ctx context.Context, deployID string) (*DeployStatus, error)
	// GetSiteURL resolves the canonical public URL of a site.
	GetSiteURL(ctx context.Context, siteID string) (string, error)
	DeleteSite(ctx context.Context, siteID string) error
}

// Config is shared by adapter factories. Adapters ignore what they don't use.
type Config struct {
	Token    string
	TeamID   string
	BaseURL  string
	RetryMax int
	Timeout  time.Duration
}

// Factory builds a Provider from Config.
type Factory func(cfg Config) (Provider, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes an adapter available by name. It panics on duplicates so a
// wiring mistake fails at start-up.
func Register(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[name]; dup {
		panic("provider: Register called twice for " + name)
	}
	factories[name] = f
}

// New builds the adapter registered as name.
func New(name string, cfg Config) (Provider, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, appErr.New(appErr.CodeInvalid, fmt.Sprintf("unknown deploy provider %q", name))
	}
	return f(cfg)
}

// Names lists registered adapters.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for n := range factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SiteName derives a platform-safe, unique site name for a project.
func SiteName(site Site) string {
	var b []byte
	dash := false
	for _, r := range site.Name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b = append(b, byte(r))
			dash = false
		case r >= 'A' && r <= 'Z':
			b = append(b, byte(r-'A'+'a'))
			dash = false
		default:
			if !dash && len(b) > 0 {
				b = append(b, '-')
				dash = true
			}
		}
		if len(b) >= 40 {
			break
		}
	}
	slug := string(b)
	for len(slug) > 0 && slug[len(slug)-1] == '-' {
		slug = slug[:len(slug)-1]
	}
	if slug == "" {
		slug = "site"
	}
	return fmt.Sprintf("%s-%s", slug, site.ProjectID.String()[:8])
}
