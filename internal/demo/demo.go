// Package demo holds the example controllers served by cmd/focus: a "test"
// controller walking through the framework features and an "auth"
// controller behind Basic authentication.
package demo

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"html/template"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tjfontaine/focus/internal/pipeline"
	"github.com/tjfontaine/focus/internal/plugins/session"
	"github.com/tjfontaine/focus/internal/plugins/web"
	"github.com/tjfontaine/focus/internal/transport"
)

//go:embed templates
var templateFS embed.FS

// Templates returns the page templates the demo controllers render.
func Templates() fs.FS {
	sub, err := fs.Sub(templateFS, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}

// ErrBroken is what the broken action fails with.
var ErrBroken = errors.New("demo: broken action")

// Options tunes the demo controllers.
type Options struct {
	// SlowDelay is how long the signin action takes. It is longer than the
	// default stage budget so the action has to extend it.
	SlowDelay time.Duration
	// FileRoot bounds the files getfile may send.
	FileRoot string
	Clock    clockwork.Clock
}

func (o Options) withDefaults() Options {
	if o.SlowDelay <= 0 {
		o.SlowDelay = 2500 * time.Millisecond
	}
	if o.FileRoot == "" {
		o.FileRoot = "/tmp"
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

// Controllers returns the demo controllers.
func Controllers(opts Options) []*pipeline.Controller {
	d := &demo{opts: opts.withDefaults()}
	return []*pipeline.Controller{
		{
			Name:  "test",
			Enter: d.enter,
			Exit:  done,
			Actions: map[string]pipeline.Handler{
				"index":     d.index,
				"landing":   d.landing,
				"redirect":  d.redirect,
				"session":   d.session,
				"signin":    d.signin,
				"cookies":   d.cookies,
				"reqstore":  d.reqstore,
				"json":      d.jsonStatus,
				"rendering": d.rendering,
				"upload":    d.upload,
				"sendfile":  d.sendfile,
				"getfile":   d.getfile,
				"logging":   d.logging,
				"broken":    d.broken,
			},
		},
		{
			Name:  "auth",
			Enter: authEnter,
			Actions: map[string]pipeline.Handler{
				"index": authIndex,
			},
		},
	}
}

type demo struct {
	opts Options
}

type page struct {
	Content template.HTML
}

func done(_ *pipeline.Plugins, sig *pipeline.Signal) error {
	sig.Done()
	return nil
}

// renderPage wraps content in the index template and completes the stage.
func renderPage(ps *pipeline.Plugins, sig *pipeline.Signal, content string) error {
	w := web.From(ps)
	out, err := w.Render("index.html", page{Content: template.HTML(content)})
	if err != nil {
		return err
	}
	if err := w.Echo(out); err != nil {
		return err
	}
	sig.Done()
	return nil
}

func (d *demo) enter(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	if s := session.From(ps); s != nil {
		if _, err := s.Start(ps.Context()); err != nil {
			return err
		}
	}
	web.From(ps).Storage()["sum"] = 42
	sig.Done()
	return nil
}

func (d *demo) index(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	return renderPage(ps, sig, `<div><h3>Index! This is the default action for this controller.</h3><hr>`+
		`<div>Use the menu on the right to try the framework features.</div></div>`)
}

func (d *demo) landing(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	return renderPage(ps, sig, `<div><h3>Landed! You reach this page after being redirected.</h3><hr>`+
		`<div><a href="/test/redirect">Redirect</a></div></div>`)
}

func (d *demo) redirect(ps *pipeline.Plugins, _ *pipeline.Signal) error {
	w := web.From(ps)
	return w.Redirect("/" + w.Controller() + "/landing")
}

func (d *demo) session(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	w := web.From(ps)
	s := session.From(ps)
	if s == nil {
		return renderPage(ps, sig, `<div><h3>Sessions!</h3><hr><div>Sessions are not enabled.</div></div>`)
	}

	data := s.Values()
	count := asInt(data["count"]) + 1
	data["count"] = count

	if w.Query("destroy") == "1" {
		if err := s.Destroy(ps.Context()); err != nil {
			return err
		}
		return renderPage(ps, sig, `<div><h3>Sessions!</h3><hr><div></div><br><a href="/test/session">Sessions</a></div>`)
	}
	return renderPage(ps, sig, fmt.Sprintf(`<div><h3>Sessions!</h3><hr><div>session count: %d</div><br>`+
		`<a href="/test/session?destroy=1">Kill Session</a></div>`, count))
}

// signin pretends to run a slow query. It outlasts the default stage budget,
// so it asks for the extended one before going asynchronous.
func (d *demo) signin(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	w := web.From(ps)
	if err := w.Echo("Start long pretend query. . . "); err != nil {
		return err
	}
	sig.Extend()
	d.opts.Clock.AfterFunc(d.opts.SlowDelay, func() {
		if err := w.Echo("Finish long pretend query"); err != nil {
			w.Logger().Warn("slow query finished after response ended", slog.String("error", err.Error()))
		}
		sig.Done()
	})
	return nil
}

func (d *demo) cookies(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	w := web.From(ps)
	var b strings.Builder
	b.WriteString(`<div><h3>Cookies</h3><hr><div>Set or get the value of the cookie "monster"<br>` +
		`<a href="/test/cookies?action=set">Set Cookie</a> | <a href="/test/cookies?action=get">Get Cookie</a></div></div>`)

	switch strings.ToLower(w.Query("action")) {
	case "":
		b.WriteString(`<div><br>Please select an action.</div>`)
	case "get":
		fmt.Fprintf(&b, `<div><br><pre>monster: %s</pre></div>`, html.EscapeString(w.Cookie("monster")))
	default:
		value := randomLetters(3)
		if err := w.SetCookie(&http.Cookie{Name: "monster", Value: value}); err != nil {
			return err
		}
		fmt.Fprintf(&b, `<div><br><pre>set monster=%s</pre></div>`, value)
	}
	return renderPage(ps, sig, b.String())
}

func (d *demo) reqstore(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	content := "Request storage not set."
	if sum, ok := web.From(ps).Storage()["sum"]; ok {
		content = fmt.Sprintf("Request Storage: %v", sum)
	}
	return renderPage(ps, sig, `<div><h3>Request Storage:</h3><hr>`+content+`</div>`)
}

func (d *demo) jsonStatus(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	w := web.From(ps)
	if err := w.JSON(map[string]any{
		"controller": w.Controller(),
		"action":     w.Action(),
		"method":     w.Method(),
		"sum":        w.Storage()["sum"],
		"ajax":       w.IsAjax(),
	}); err != nil {
		return err
	}
	sig.Done()
	return nil
}

type user struct {
	URL  string
	Name string
}

type item struct {
	ID              string
	Even            bool
	ProfileImageURL string
	FromUser        string
	Text            string
	Users           []user
}

func (d *demo) rendering(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	sandbox := item{
		ID:              "id_1",
		ProfileImageURL: "obj_1_profile_image",
		FromUser:        "id_1_from_user",
		Text:            "object text",
		Users: []user{
			{URL: "user1_url", Name: "user1_name"},
			{URL: "user2_url", Name: "user2_name"},
			{URL: "user3_url", Name: "user3_name"},
		},
	}
	rendered, err := web.From(ps).Render("item.html", sandbox)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(sandbox)
	if err != nil {
		return err
	}
	return renderPage(ps, sig, `<div><h3>Rendered:</h3><hr><pre>`+html.EscapeString(rendered)+
		`</pre><br><div>With: <pre>`+html.EscapeString(string(raw))+`</pre></div></div>`)
}

func (d *demo) upload(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	w := web.From(ps)
	var b strings.Builder
	b.WriteString(`<div><h3>Upload</h3><hr><form id="uploader" enctype="multipart/form-data" action="/test/upload" method="post">` +
		`<input type="file" name="file1"><br><input type="file" name="file2"><br>` +
		`<input type="submit" name="submit" value="Upload"><input type="hidden" name="test" value="value"></form>`)

	if w.Method() == "post" {
		values, err := w.PostForm()
		if err != nil {
			return err
		}
		files := map[string]string{}
		if mf := w.Request().MultipartForm; mf != nil {
			for field, headers := range mf.File {
				for _, fh := range headers {
					files[field] = fmt.Sprintf("%s (%d bytes)", fh.Filename, fh.Size)
				}
			}
		}
		out, err := json.MarshalIndent(map[string]any{"fields": values, "files": files}, "", "    ")
		if err != nil {
			return err
		}
		b.WriteString(`<pre>Form Data:<br>` + html.EscapeString(string(out)) + `</pre>`)
	}
	b.WriteString(`</div>`)
	return renderPage(ps, sig, b.String())
}

func (d *demo) sendfile(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	return renderPage(ps, sig, `<div><h3>Send File</h3><hr>`+
		`Put a file under `+html.EscapeString(d.opts.FileRoot)+` and enter its name below.`+
		`<form method="get" action="/test/getfile"><input type="text" name="name" value="file.png"><br>`+
		`<button type="submit">Download</button></form></div>`)
}

func (d *demo) getfile(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	w := web.From(ps)
	name := w.Query("name")
	if name == "" {
		if err := w.Echo("name required!"); err != nil {
			return err
		}
		sig.Done()
		return nil
	}

	root, err := transport.NewStaticResolver(d.opts.FileRoot, "")
	if err != nil {
		return err
	}
	path, info, err := root.Resolve("/" + name)
	if err == nil && info.IsDir() {
		err = fmt.Errorf("%s is a directory", name)
	}
	if err == nil {
		err = w.SendFile(path, "file.dl")
	}
	if err != nil {
		w.Logger().Warn("getfile failed", slog.String("name", name), slog.String("error", err.Error()))
		if err := w.Echo("getfile error: ", html.EscapeString(err.Error())); err != nil {
			return err
		}
		sig.Done()
		return nil
	}
	w.Logger().Info("sent file", slog.String("path", path), slog.Int64("bytes", info.Size()))
	sig.Done()
	return nil
}

func (d *demo) logging(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	logger := web.From(ps).Logger()
	logger.Info("Info")
	logger.Error("Error")
	logger.Debug("sandbox", slog.Any("users", []string{"user1_name", "user2_name", "user3_name"}))
	return renderPage(ps, sig, `<div><h3>Logging</h3><hr><div>See the server log output.</div></div>`)
}

// broken fails the action, which aborts the request with a 500.
func (d *demo) broken(_ *pipeline.Plugins, _ *pipeline.Signal) error {
	return ErrBroken
}

func authEnter(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	if err := web.From(ps).Authenticate("foo", "bar"); err != nil {
		return err
	}
	sig.Done()
	return nil
}

func authIndex(ps *pipeline.Plugins, sig *pipeline.Signal) error {
	w := web.From(ps)
	if err := w.Echo("Authenticated as: ", w.AuthUser()); err != nil {
		return err
	}
	sig.Done()
	return nil
}

// asInt reads a counter back from session data, which comes back as float64
// after a store round trip.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func randomLetters(n int) string {
	letters := make([]byte, n)
	for i := range letters {
		letters[i] = byte('a' + rand.IntN(26))
	}
	return string(letters)
}
