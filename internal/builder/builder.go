// Package builder turns a project file tree into a deployable artifact in a
// scratch workspace that never outlives the build.
package builder

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sitesync/engine/internal/models"
	"github.com/sitesync/engine/internal/provider"
	appErr "github.com/sitesync/engine/pkg/errors"
	"github.com/sitesync/engine/pkg/logger"
	"github.com/sitesync/engine/pkg/metrics"
	"go.uber.org/zap"
)

// Builder produces an artifact from a project tree.
type Builder interface {
	Build(ctx context.Context, req *Request) (*provider.Artifact, error)
}

// LogFunc receives user-visible build log lines.
type LogFunc func(level, message string)

type Request struct {
	ProjectID    uuid.UUID
	AttemptID    uuid.UUID
	TemplateKind string
	Settings     models.BuildSettings
	Files        map[string][]byte
	Log          LogFunc
}

type Options struct {
	WorkingDir             string
	PackageManager         string
	FallbackPackageManager string
	Timeout                time.Duration
}

// SiteBuilder builds static and package-manager based sites.
type SiteBuilder struct {
	opts   Options
	runner Runner
}

func New(opts Options, runner Runner) *SiteBuilder {
	if opts.PackageManager == "" {
		opts.PackageManager = "npm"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if runner == nil {
		runner = ExecRunner{Env: []string{"CI=true"}}
	}
	return &SiteBuilder{opts: opts, runner: runner}
}

var _ Builder = (*SiteBuilder)(nil)

func (b *SiteBuilder) Build(ctx context.Context, req *Request) (*provider.Artifact, error) {
	log := logger.Attempt(req.ProjectID, req.AttemptID)
	emit := req.Log
	if emit == nil {
		emit = func(string, string) {}
	}
	started := time.Now()
	defer func() { metrics.BuildDuration.Observe(time.Since(started).Seconds()) }()

	dir := filepath.Join(b.opts.WorkingDir, req.AttemptID.String()+"-"+strconv.FormatInt(time.Now().UnixNano(), 10))
	log.Info("using workspace for build", zap.String("dir", dir))
	ws, err := NewWorkspace(dir)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "prepare workspace failed")
	}
	defer func() {
		_ = ws.Cleanup()
	}()

	if err := ws.Write(req.Files); err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "write project files failed")
	}
	tmpl := LookupTemplate(req.TemplateKind)
	restored, err := ws.Restore(tmpl.Files)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "restore template files failed")
	}
	if len(restored) > 0 {
		emit("info", "Restored missing files from the "+tmpl.Kind+" template: "+strings.Join(restored, ", "))
	}

	outputDir := req.Settings.OutputDir
	if !ws.Exists("package.json") {
		if outputDir == "" {
			outputDir = "."
		}
		emit("info", "No package.json found, deploying files as-is")
		return b.pack(ws, outputDir, true)
	}
	if outputDir == "" {
		outputDir = tmpl.OutputDir
	}

	ctx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	defer cancel()

	managers := []string{b.opts.PackageManager}
	custom := req.Settings.InstallCommand != "" || req.Settings.BuildCommand != ""
	if fb := b.opts.FallbackPackageManager; fb != "" && fb != b.opts.PackageManager && !custom {
		managers = append(managers, fb)
	}

	var lastErr error
	for i, pm := range managers {
		if i > 0 {
			emit("warn", fmt.Sprintf("Build with %s failed, retrying with %s", managers[i-1], pm))
		}
		lastErr = b.run(ctx, ws, pm, req.Settings, emit)
		if lastErr == nil {
			break
		}
		log.Warn("build attempt failed", zap.String("package_manager", pm), zap.Error(lastErr))
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr != nil {
		return nil, appErr.Wrap(lastErr, appErr.CodeBuildFailed, "build failed")
	}
	return b.pack(ws, outputDir, outputDir == ".")
}

func (b *SiteBuilder) run(ctx context.Context, ws *Workspace, pm string, s models.BuildSettings, emit LogFunc) error {
	install := s.InstallCommand
	if install == "" {
		install = pm + " install"
	}
	build := s.BuildCommand
	if build == "" {
		build = pm + " run build"
	}
	for _, command := range []string{install, build} {
		emit("info", "$ "+command)
		out, err := b.runner.Run(ctx, ws.Dir(), command)
		if err != nil {
			if tail := strings.TrimSpace(string(out)); tail != "" {
				emit("error", tail)
			}
			return fmt.Errorf("%q: %w", command, err)
		}
	}
	return nil
}

func (b *SiteBuilder) pack(ws *Workspace, outputDir string, stripSources bool) (*provider.Artifact, error) {
	root := filepath.Join(ws.Dir(), filepath.FromSlash(outputDir))
	if !strings.HasPrefix(root, ws.Dir()) {
		return nil, appErr.New(appErr.CodeInvalid, "output directory escapes the project")
	}
	art, err := Package(root, stripSources)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeBuildFailed, "package build output failed")
	}
	return art, nil
}
