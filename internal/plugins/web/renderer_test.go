package web

import (
	"html/template"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderer_CachesParsedTemplates(t *testing.T) {
	fsys := fstest.MapFS{"page.html": {Data: []byte(`v1 {{.}}`)}}
	r := NewRenderer(fsys)

	out, err := r.Render("page.html", "x")
	require.NoError(t, err)
	assert.Equal(t, "v1 x", out)

	fsys["page.html"] = &fstest.MapFile{Data: []byte(`v2 {{.}}`)}
	out, err = r.Render("page.html", "x")
	require.NoError(t, err)
	assert.Equal(t, "v1 x", out, "cached template is reused")

	reloading := NewRenderer(fsys, WithReload(true))
	out, err = reloading.Render("page.html", "x")
	require.NoError(t, err)
	assert.Equal(t, "v2 x", out)
}

func TestRenderer_Funcs(t *testing.T) {
	fsys := fstest.MapFS{"shout.html": {Data: []byte(`{{upper .}}`)}}
	r := NewRenderer(fsys, WithFuncs(template.FuncMap{"upper": strings.ToUpper}))
	out, err := r.Render("shout.html", "focus")
	require.NoError(t, err)
	assert.Equal(t, "FOCUS", out)
}

func TestRenderer_Errors(t *testing.T) {
	fsys := fstest.MapFS{"bad.html": {Data: []byte(`{{.Missing.Field}}`)}}
	r := NewRenderer(fsys)

	_, err := r.Render("", nil)
	assert.Error(t, err)
	_, err = r.Render("../etc/passwd", nil)
	assert.Error(t, err)
	_, err = r.Render("bad.html", map[string]string{})
	assert.Error(t, err)
	_, err = NewRenderer(nil).Render("x.html", nil)
	assert.Error(t, err)
}
