package controller

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/focus/internal/pipeline"
)

func index(_ *pipeline.Plugins, sig *pipeline.Signal) error {
	sig.Done()
	return nil
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	c := &pipeline.Controller{Name: "Blog", Actions: map[string]pipeline.Handler{"index": index}}
	require.NoError(t, reg.Register(c))

	got, ok := reg.Lookup("blog")
	require.True(t, ok)
	assert.Same(t, c, got)

	_, ok = reg.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistry_RegisterErrors(t *testing.T) {
	tests := []struct {
		name string
		c    *pipeline.Controller
	}{
		{name: "nil", c: nil},
		{name: "empty name", c: &pipeline.Controller{Actions: map[string]pipeline.Handler{"index": index}}},
		{name: "slash in name", c: &pipeline.Controller{Name: "a/b", Actions: map[string]pipeline.Handler{"index": index}}},
		{name: "no actions", c: &pipeline.Controller{Name: "empty"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, NewRegistry().Register(tt.c))
		})
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&pipeline.Controller{Name: "test", Actions: map[string]pipeline.Handler{"index": index}})

	err := reg.Register(&pipeline.Controller{Name: "TEST", Actions: map[string]pipeline.Handler{"index": index}})
	assert.Error(t, err)
	assert.Panics(t, func() {
		reg.MustRegister(&pipeline.Controller{Name: "test", Actions: map[string]pipeline.Handler{"index": index}})
	})
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"test", "auth", "blog"} {
		reg.MustRegister(&pipeline.Controller{Name: name, Actions: map[string]pipeline.Handler{"index": index}})
	}
	assert.Equal(t, []string{"auth", "blog", "test"}, reg.Names())
}
