package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRoute(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		controller string
		action     string
		urlMap     []string
		ct         string
	}{
		{name: "root", path: "/"},
		{name: "controller only", path: "/test", controller: "test"},
		{name: "controller and action", path: "/test/session", controller: "test", action: "session"},
		{name: "extra segments", path: "/blog/post/2024/hello", controller: "blog", action: "post", urlMap: []string{"2024", "hello"}},
		{name: "duplicate slashes", path: "//test///landing/", controller: "test", action: "landing"},
		{name: "json extension", path: "/api/list/users.json", controller: "api", action: "list", urlMap: []string{"users.json"}, ct: "application/json; charset=utf-8"},
		{name: "unknown extension", path: "/files/get/archive.zz", controller: "files", action: "get", urlMap: []string{"archive.zz"}, ct: DefaultContentType},
		{name: "dot dot is cleaned", path: "/test/../auth", controller: "auth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ParseRoute(tt.path)
			assert.Equal(t, tt.controller, r.Controller)
			assert.Equal(t, tt.action, r.Action)
			assert.Equal(t, tt.urlMap, r.URLMap)
			assert.Equal(t, tt.ct, r.ContentType)
		})
	}
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "text/css; charset=utf-8", ContentTypeFor("site.CSS"))
	assert.Equal(t, "image/png", ContentTypeFor("logo.png"))
	assert.Equal(t, "", ContentTypeFor("README"))
	assert.Equal(t, "", ContentTypeFor("trailing."))
}
