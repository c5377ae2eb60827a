package builder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/sitesync/engine/internal/models"
	appErr "github.com/sitesync/engine/pkg/errors"
	"github.com/sitesync/engine/pkg/logger"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	if _, err := logger.Init("error", "json"); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	os.Exit(m.Run())
}

// fakeRunner fails every command of the listed package managers and makes
// successful builds emit dist/index.html.
type fakeRunner struct {
	mu       sync.Mutex
	failFor  map[string]bool
	commands []string
	panics   bool
}

func (f *fakeRunner) Run(ctx context.Context, dir, command string) ([]byte, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()
	if f.panics {
		panic("runner exploded")
	}
	pm := strings.Fields(command)[0]
	if f.failFor[pm] {
		return []byte("ERR! something broke"), errors.New("exit status 1")
	}
	if strings.HasSuffix(command, "run build") {
		if err := os.MkdirAll(filepath.Join(dir, "dist"), 0o755); err != nil {
			return nil, err
		}
		return []byte("built"), os.WriteFile(filepath.Join(dir, "dist", "index.html"), []byte("<built/>"), 0o644)
	}
	return []byte("ok"), nil
}

func requireEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "workspace left behind")
}

func TestBuildStaticSiteAsIs(t *testing.T) {
	work := t.TempDir()
	runner := &fakeRunner{}
	b := New(Options{WorkingDir: work}, runner)

	var lines []string
	art, err := b.Build(context.Background(), &Request{
		ProjectID:    uuid.New(),
		AttemptID:    uuid.New(),
		TemplateKind: "static",
		Files:        map[string][]byte{"index.html": []byte("<h1>mine</h1>"), "img/logo.svg": []byte("<svg/>")},
		Log:          func(level, msg string) { lines = append(lines, msg) },
	})
	require.NoError(t, err)
	require.Empty(t, runner.commands)
	require.Equal(t, "<h1>mine</h1>", string(art.Files["index.html"]))
	require.Contains(t, art.Files, "img/logo.svg")
	require.Contains(t, art.Files, "styles.css")
	require.Contains(t, strings.Join(lines, "\n"), "styles.css")
	requireEmptyDir(t, work)
}

func TestBuildFallsBackToSecondPackageManager(t *testing.T) {
	work := t.TempDir()
	runner := &fakeRunner{failFor: map[string]bool{"npm": true}}
	b := New(Options{WorkingDir: work, PackageManager: "npm", FallbackPackageManager: "yarn"}, runner)

	art, err := b.Build(context.Background(), &Request{
		ProjectID:    uuid.New(),
		AttemptID:    uuid.New(),
		TemplateKind: "vite",
		Files:        map[string][]byte{"src/main.js": []byte("console.log('mine')")},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"npm install", "yarn install", "yarn run build"}, runner.commands)
	require.Equal(t, map[string][]byte{"index.html": []byte("<built/>")}, art.Files)
	requireEmptyDir(t, work)
}

func TestBuildFailsAfterOneFallback(t *testing.T) {
	work := t.TempDir()
	runner := &fakeRunner{failFor: map[string]bool{"npm": true, "yarn": true}}
	b := New(Options{WorkingDir: work, PackageManager: "npm", FallbackPackageManager: "yarn"}, runner)

	var lines []string
	_, err := b.Build(context.Background(), &Request{
		AttemptID:    uuid.New(),
		TemplateKind: "vite",
		Log:          func(level, msg string) { lines = append(lines, level+":"+msg) },
	})
	require.True(t, appErr.IsCode(err, appErr.CodeBuildFailed))
	require.Equal(t, []string{"npm install", "yarn install"}, runner.commands)
	require.Contains(t, lines, "error:ERR! something broke")
	requireEmptyDir(t, work)
}

func TestBuildCustomCommandsSkipFallback(t *testing.T) {
	work := t.TempDir()
	runner := &fakeRunner{}
	b := New(Options{WorkingDir: work, FallbackPackageManager: "yarn"}, runner)

	art, err := b.Build(context.Background(), &Request{
		AttemptID:    uuid.New(),
		TemplateKind: "vite",
		Settings:     models.BuildSettings{InstallCommand: "pnpm install --frozen-lockfile", BuildCommand: "pnpm run build"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"pnpm install --frozen-lockfile", "pnpm run build"}, runner.commands)
	require.Contains(t, art.Files, "index.html")
}

func TestBuildCleansUpOnPanic(t *testing.T) {
	work := t.TempDir()
	b := New(Options{WorkingDir: work}, &fakeRunner{panics: true})

	require.Panics(t, func() {
		_, _ = b.Build(context.Background(), &Request{AttemptID: uuid.New(), TemplateKind: "vite"})
	})
	requireEmptyDir(t, work)
}

func TestPackageSkipsDependenciesAndSorts(t *testing.T) {
	root := t.TempDir()
	ws, err := NewWorkspace(root)
	require.NoError(t, err)
	require.NoError(t, ws.Write(map[string][]byte{
		"b.html":                  []byte("b"),
		"a/index.html":            []byte("a"),
		"node_modules/x/index.js": []byte("dep"),
		"package.json":            []byte("{}"),
	}))

	art, err := Package(root, true)
	require.NoError(t, err)
	require.Len(t, art.Files, 2)

	zr, err := zip.NewReader(bytes.NewReader(art.Zip), int64(len(art.Zip)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{"a/index.html", "b.html"}, names)

	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "b", string(data))

	_, err = Package(t.TempDir(), false)
	require.Error(t, err)
}

func TestWorkspaceRejectsEscapes(t *testing.T) {
	ws, err := NewWorkspace(t.TempDir())
	require.NoError(t, err)
	require.Error(t, ws.Write(map[string][]byte{"../outside.txt": []byte("x")}))
	require.NoError(t, ws.Cleanup())
}

func TestExecRunner(t *testing.T) {
	dir := t.TempDir()
	out, err := ExecRunner{}.Run(context.Background(), dir, `echo "hello world"`)
	require.NoError(t, err)
	require.Equal(t, "hello world\n", string(out))

	_, err = ExecRunner{}.Run(context.Background(), dir, "definitely-not-a-binary-sitesync")
	require.Error(t, err)

	_, err = ExecRunner{}.Run(context.Background(), dir, `echo "unterminated`)
	require.Error(t, err)
}

func TestTailBufferKeepsEnd(t *testing.T) {
	tb := &tailBuffer{max: 4}
	_, _ = tb.Write([]byte("abcdef"))
	_, _ = tb.Write([]byte("gh"))
	require.Equal(t, "efgh", string(tb.Bytes()))
}
