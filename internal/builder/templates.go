package builder

import (
	"embed"
	"io/fs"
)

//go:embed all:templates
var templateFS embed.FS

// Template describes the scaffolding and defaults of a project kind.
type Template struct {
	Kind      string
	Files     fs.FS
	OutputDir string
}

var templates = map[string]Template{
	"static": {Kind: "static", OutputDir: "."},
	"vite":   {Kind: "vite", OutputDir: "dist"},
}

// LookupTemplate returns the template for kind, falling back to static.
func LookupTemplate(kind string) Template {
	t, ok := templates[kind]
	if !ok {
		t = templates["static"]
	}
	if t.Files == nil {
		sub, err := fs.Sub(templateFS, "templates/"+t.Kind)
		if err != nil {
			panic(err)
		}
		t.Files = sub
	}
	return t
}
