// Package runtime holds per-run mutable state: layered variables for every
// host and the handler notification ledger for the current play.
package runtime

import (
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fleetforge-labs/fleetforge/internal/util"
	fflog "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/log"
)

// Scope ranks a variable layer. Higher scopes win when flattening.
type Scope int

const (
	ScopeBuiltin Scope = iota
	ScopeGroup
	ScopeHost
	ScopePlaybook
	ScopePlay
	ScopeBlock
	ScopeTask
	ScopeRegistered
	ScopeSetFact
	ScopeExtra
)

func (s Scope) String() string {
	switch s {
	case ScopeBuiltin:
		return "builtin"
	case ScopeGroup:
		return "group"
	case ScopeHost:
		return "host"
	case ScopePlaybook:
		return "playbook"
	case ScopePlay:
		return "play"
	case ScopeBlock:
		return "block"
	case ScopeTask:
		return "task"
	case ScopeRegistered:
		return "registered"
	case ScopeSetFact:
		return "set_fact"
	case ScopeExtra:
		return "extra"
	default:
		return "unknown"
	}
}

// persistentScopes are the layers MergedVars flattens, lowest first. Block
// and task vars are transient overlays supplied at merge time.
var persistentScopes = []Scope{
	ScopeBuiltin, ScopeGroup, ScopeHost, ScopePlaybook, ScopePlay,
	ScopeRegistered, ScopeSetFact, ScopeExtra,
}

// hostState holds one host's persistent variable layers.
type hostState struct {
	layers map[Scope]map[string]interface{}
}

const mergedVarsCacheSize = 1024

// Context is the engine's mutable run state. All methods are safe for
// concurrent use; merged variable maps are cached per host and invalidated
// on every write that affects them.
type Context struct {
	mu    sync.RWMutex
	hosts map[string]*hostState

	// playbookVars, playVars, and extraVars apply to every host.
	playbookVars map[string]interface{}
	playVars     map[string]interface{}
	extraVars    map[string]interface{}

	// Handler ledger for the current play.
	notified map[string]bool
	executed map[string]bool

	cache *lru.Cache[string, map[string]interface{}]
	log   fflog.Logger
}

// NewContext creates an empty run context.
func NewContext(log fflog.Logger) *Context {
	cache, _ := lru.New[string, map[string]interface{}](mergedVarsCacheSize)
	return &Context{
		hosts:        make(map[string]*hostState),
		playbookVars: make(map[string]interface{}),
		playVars:     make(map[string]interface{}),
		extraVars:    make(map[string]interface{}),
		notified:     make(map[string]bool),
		executed:     make(map[string]bool),
		cache:        cache,
		log:          log,
	}
}

// AddHost registers a host with its group and host variable layers and
// seeds the builtin layer (inventory_hostname, inventory_hostname_short,
// group_names).
func (c *Context) AddHost(name string, groupVars, hostVars map[string]interface{}, groups []string) {
	groupNames := make([]string, len(groups))
	copy(groupNames, groups)
	sort.Strings(groupNames)

	builtin := map[string]interface{}{
		"inventory_hostname":       name,
		"inventory_hostname_short": shortName(name),
		"group_names":              groupNames,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.hosts[name] = &hostState{
		layers: map[Scope]map[string]interface{}{
			ScopeBuiltin:    builtin,
			ScopeGroup:      util.DeepCopyStringMap(groupVars),
			ScopeHost:       util.DeepCopyStringMap(hostVars),
			ScopeRegistered: make(map[string]interface{}),
			ScopeSetFact:    make(map[string]interface{}),
		},
	}
	c.cache.Remove(name)
}

func shortName(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

// HostNames returns the registered hosts, sorted.
func (c *Context) HostNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.hosts))
	for name := range c.hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetPlaybookVars replaces the playbook-level variable layer.
func (c *Context) SetPlaybookVars(vars map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playbookVars = util.DeepCopyStringMap(vars)
	c.cache.Purge()
}

// SetPlayVars replaces the play-level variable layer. Called at play start.
func (c *Context) SetPlayVars(vars map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playVars = util.DeepCopyStringMap(vars)
	c.cache.Purge()
}

// SetExtraVars replaces the extra (highest precedence) variable layer.
func (c *Context) SetExtraVars(vars map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extraVars = util.DeepCopyStringMap(vars)
	c.cache.Purge()
}

// SetHostFact stores a fact for one host at set_fact precedence. With
// delegate_to the engine passes the task's original host here, not the
// delegate that executed it.
func (c *Context) SetHostFact(host, key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.hosts[host]
	if !ok {
		c.log.Warnf("SetHostFact for unknown host '%s' (key '%s') ignored", host, key)
		return
	}
	state.layers[ScopeSetFact][key] = util.DeepCopy(value)
	c.cache.Remove(host)
}

// RegisterResult stores a task result under name for one host at registered
// precedence.
func (c *Context) RegisterResult(host, name string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.hosts[host]
	if !ok {
		c.log.Warnf("RegisterResult for unknown host '%s' (name '%s') ignored", host, name)
		return
	}
	state.layers[ScopeRegistered][name] = util.DeepCopy(value)
	c.cache.Remove(host)
}

// MergedVars flattens the host's persistent layers, higher scope winning,
// and returns a deep copy the caller may mutate freely.
func (c *Context) MergedVars(host string) map[string]interface{} {
	if cached, ok := c.cache.Get(host); ok {
		return util.DeepCopyStringMap(cached)
	}

	// Merge and insert under the write lock so a concurrent invalidation
	// (SetHostFact, RegisterResult) cannot be overwritten by a stale merge.
	c.mu.Lock()
	merged := c.mergeLocked(host)
	c.cache.Add(host, merged)
	c.mu.Unlock()

	return util.DeepCopyStringMap(merged)
}

// MergedVarsWith flattens like MergedVars, then overlays block and task
// vars at their scope positions (above play, below registered).
func (c *Context) MergedVarsWith(host string, blockVars, taskVars map[string]interface{}) map[string]interface{} {
	if len(blockVars) == 0 && len(taskVars) == 0 {
		return c.MergedVars(host)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	merged := make(map[string]interface{})
	state := c.hosts[host]
	for _, scope := range persistentScopes {
		var layer map[string]interface{}
		switch scope {
		case ScopePlaybook:
			layer = c.playbookVars
		case ScopePlay:
			layer = c.playVars
		case ScopeExtra:
			layer = c.extraVars
		default:
			if state != nil {
				layer = state.layers[scope]
			}
		}
		for k, v := range layer {
			merged[k] = v
		}
		if scope == ScopePlay {
			for k, v := range blockVars {
				merged[k] = v
			}
			for k, v := range taskVars {
				merged[k] = v
			}
		}
	}
	return util.DeepCopyStringMap(merged)
}

// mergeLocked flattens persistent layers. Caller must hold at least a read
// lock.
func (c *Context) mergeLocked(host string) map[string]interface{} {
	merged := make(map[string]interface{})
	state := c.hosts[host]
	for _, scope := range persistentScopes {
		var layer map[string]interface{}
		switch scope {
		case ScopePlaybook:
			layer = c.playbookVars
		case ScopePlay:
			layer = c.playVars
		case ScopeExtra:
			layer = c.extraVars
		default:
			if state != nil {
				layer = state.layers[scope]
			}
		}
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}

// NotifyHandler records a notification. Duplicate notifications collapse.
// Returns true if this was the first notification for the handler in the
// current play.
func (c *Context) NotifyHandler(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.notified[name] {
		return false
	}
	c.notified[name] = true
	return true
}

// Notified reports whether the handler has a pending notification.
func (c *Context) Notified(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.notified[name]
}

// MarkHandlerExecuted consumes a handler's pending notification and records
// the execution. Returns false if the handler was not notified or already
// ran this play, in which case it must not run.
func (c *Context) MarkHandlerExecuted(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.notified[name] || c.executed[name] {
		return false
	}
	delete(c.notified, name)
	c.executed[name] = true
	return true
}

// ResetHandlers clears the handler ledger. Called at play start.
func (c *Context) ResetHandlers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notified = make(map[string]bool)
	c.executed = make(map[string]bool)
}

// BeginPlay resets play-scoped state: play vars and the handler ledger.
func (c *Context) BeginPlay(playVars map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playVars = util.DeepCopyStringMap(playVars)
	c.notified = make(map[string]bool)
	c.executed = make(map[string]bool)
	c.cache.Purge()
}
