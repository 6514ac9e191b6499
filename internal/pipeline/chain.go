package pipeline

import (
	"context"
	"strings"
	"sync/atomic"
)

// DefaultAction is used when no action is requested or a reserved name is.
const DefaultAction = "index"

// reserved names are controller hooks, never actions.
var reserved = map[string]bool{
	"enter":   true,
	"exit":    true,
	"_enter_": true,
	"_exit_":  true,
}

// Stage is one executable step of a hook chain.
type Stage struct {
	Label string
	Kind  StageKind
	Run   func(sig *Signal) error
}

// Handler is a controller hook or action. It must eventually call sig.Done.
type Handler func(ps *Plugins, sig *Signal) error

// Controller maps action names to handlers. Enter and Exit are optional and
// wrap every action.
type Controller struct {
	Name    string
	Enter   Handler
	Exit    Handler
	Actions map[string]Handler
}

// Plugin is a per-request object participating in the hook chain.
type Plugin interface {
	Name() string
}

// Initializer is implemented by plugins that contribute a stage to the start
// of the main list.
type Initializer interface {
	Init(ps *Plugins, sig *Signal) error
}

// Finalizer is implemented by plugins that contribute a stage to the
// finalization list.
type Finalizer interface {
	Finalize(ps *Plugins, sig *Signal) error
}

// Plugins is the ordered set of plugin instances for one request.
type Plugins struct {
	ctx    context.Context
	order  []Plugin
	byName map[string]Plugin

	disconnected atomic.Bool
}

// NewPlugins creates a plugin set. Order is preserved; when two plugins share
// a name the first one wins lookups.
func NewPlugins(ctx context.Context, plugins ...Plugin) *Plugins {
	ps := &Plugins{
		ctx:    ctx,
		order:  make([]Plugin, 0, len(plugins)),
		byName: make(map[string]Plugin, len(plugins)),
	}
	for _, p := range plugins {
		if p == nil {
			continue
		}
		ps.order = append(ps.order, p)
		if _, dup := ps.byName[p.Name()]; !dup {
			ps.byName[p.Name()] = p
		}
	}
	return ps
}

// Context returns the request context.
func (ps *Plugins) Context() context.Context {
	if ps.ctx == nil {
		return context.Background()
	}
	return ps.ctx
}

// Connected reports the driver's connected flag. It turns false when the
// main list aborted or the response ended early, so finalize stages can tell
// how the request went before the response finalizer runs.
func (ps *Plugins) Connected() bool {
	return !ps.disconnected.Load()
}

// Get returns the plugin registered under name, or nil.
func (ps *Plugins) Get(name string) Plugin {
	return ps.byName[name]
}

// All returns the plugins in registration order.
func (ps *Plugins) All() []Plugin {
	out := make([]Plugin, len(ps.order))
	copy(out, ps.order)
	return out
}

// Len returns the number of plugins.
func (ps *Plugins) Len() int {
	return len(ps.order)
}

// Chain is the pair of stage lists for one request.
type Chain struct {
	Main     []Stage
	Finalize []Stage

	plugins *Plugins
}

// ResolveAction maps an empty or reserved action name to DefaultAction.
func ResolveAction(action string) string {
	if action == "" || reserved[strings.ToLower(action)] {
		return DefaultAction
	}
	return action
}

// BuildChain assembles the hook chain for a request. It returns a
// *ResolutionError when the action has no handler.
func BuildChain(ps *Plugins, c *Controller, action string) (*Chain, error) {
	action = ResolveAction(action)
	if c == nil {
		return nil, &ResolutionError{Action: action}
	}
	handler, ok := c.Actions[action]
	if !ok || handler == nil {
		return nil, &ResolutionError{Controller: c.Name, Action: action}
	}
	if ps == nil {
		ps = NewPlugins(context.Background())
	}

	chain := &Chain{plugins: ps}
	for _, p := range ps.order {
		if in, ok := p.(Initializer); ok {
			chain.Main = append(chain.Main, Stage{
				Label: p.Name() + ": init",
				Kind:  KindInit,
				Run:   func(sig *Signal) error { return in.Init(ps, sig) },
			})
		}
	}
	if c.Enter != nil {
		chain.Main = append(chain.Main, handlerStage("enter", KindEnter, c.Enter, ps))
	}
	chain.Main = append(chain.Main, handlerStage(action, KindAction, handler, ps))
	if c.Exit != nil {
		chain.Main = append(chain.Main, handlerStage("exit", KindExit, c.Exit, ps))
	}
	for _, p := range ps.order {
		if fin, ok := p.(Finalizer); ok {
			chain.Finalize = append(chain.Finalize, Stage{
				Label: p.Name() + ": finalize",
				Kind:  KindFinalize,
				Run:   func(sig *Signal) error { return fin.Finalize(ps, sig) },
			})
		}
	}
	return chain, nil
}

func handlerStage(label string, kind StageKind, h Handler, ps *Plugins) Stage {
	return Stage{
		Label: label,
		Kind:  kind,
		Run:   func(sig *Signal) error { return h(ps, sig) },
	}
}
