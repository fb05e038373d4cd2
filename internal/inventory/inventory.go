// Package inventory holds the fleet description: hosts, groups with
// hierarchy and variable inheritance, and host pattern matching for play
// targeting.
package inventory

import (
	"fmt"
	"math/rand"
	"path"
	"regexp"
	"sort"
	"strings"

	fferrors "github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/errors"
	"github.com/fleetforge-labs/fleetforge/pkg/fleetforge/v1/transport"
)

// Host is one managed machine.
type Host struct {
	Name    string
	Address string
	Port    int
	User    string
	// Vars are host-level variables.
	Vars map[string]interface{}
	// Options carry transport settings (auth material, host key policy).
	Options map[string]string
}

// Spec converts the host to its transport addressing form.
func (h *Host) Spec() transport.HostSpec {
	return transport.HostSpec{
		Name:    h.Name,
		Address: h.Address,
		Port:    h.Port,
		User:    h.User,
		Options: h.Options,
	}
}

// Group is a named set of hosts, optionally containing child groups whose
// hosts it inherits.
type Group struct {
	Name     string
	Hosts    []string
	Children []string
	Vars     map[string]interface{}
}

// Inventory indexes hosts and groups. The special group "all" always exists
// and contains every host. Not safe for concurrent mutation; the engine
// builds it once during load and reads it thereafter.
type Inventory struct {
	hosts  map[string]*Host
	order  []string
	groups map[string]*Group
}

// New creates an empty inventory with the implicit "all" group.
func New() *Inventory {
	return &Inventory{
		hosts:  make(map[string]*Host),
		groups: map[string]*Group{"all": {Name: "all"}},
	}
}

// AddHost registers a host. Duplicate names are a configuration error.
func (inv *Inventory) AddHost(h *Host) error {
	if h.Name == "" {
		return fferrors.NewConfigError("inventory host with empty name", nil)
	}
	if _, exists := inv.hosts[h.Name]; exists {
		return fferrors.NewConfigError(fmt.Sprintf("duplicate host '%s'", h.Name), nil)
	}
	inv.hosts[h.Name] = h
	inv.order = append(inv.order, h.Name)
	return nil
}

// AddGroup registers a group. Duplicate names are a configuration error;
// the implicit "all" group cannot be redefined except to set its vars.
func (inv *Inventory) AddGroup(g *Group) error {
	if g.Name == "" {
		return fferrors.NewConfigError("inventory group with empty name", nil)
	}
	if g.Name == "all" {
		inv.groups["all"].Vars = g.Vars
		return nil
	}
	if _, exists := inv.groups[g.Name]; exists {
		return fferrors.NewConfigError(fmt.Sprintf("duplicate group '%s'", g.Name), nil)
	}
	inv.groups[g.Name] = g
	return nil
}

// Host returns the named host, or nil.
func (inv *Inventory) Host(name string) *Host { return inv.hosts[name] }

// HostNames returns all host names in inventory order.
func (inv *Inventory) HostNames() []string {
	out := make([]string, len(inv.order))
	copy(out, inv.order)
	return out
}

// GroupNames returns the groups a host belongs to, sorted, always including
// "all".
func (inv *Inventory) GroupNames(hostName string) []string {
	names := []string{"all"}
	for name, g := range inv.groups {
		if name == "all" {
			continue
		}
		if inv.groupContains(g, hostName, map[string]bool{}) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (inv *Inventory) groupContains(g *Group, hostName string, seen map[string]bool) bool {
	if seen[g.Name] {
		return false
	}
	seen[g.Name] = true
	for _, h := range g.Hosts {
		if h == hostName {
			return true
		}
	}
	for _, child := range g.Children {
		if cg, ok := inv.groups[child]; ok && inv.groupContains(cg, hostName, seen) {
			return true
		}
	}
	return false
}

// GroupVars merges group variables for a host. The "all" group applies
// first, then the host's other groups in sorted name order, parents before
// their children so child groups override.
func (inv *Inventory) GroupVars(hostName string) map[string]interface{} {
	merged := make(map[string]interface{})
	for k, v := range inv.groups["all"].Vars {
		merged[k] = v
	}
	for _, name := range inv.orderedGroupsOf(hostName) {
		for k, v := range inv.groups[name].Vars {
			merged[k] = v
		}
	}
	return merged
}

// orderedGroupsOf returns the host's groups (excluding "all"), parents
// before children, ties broken by name.
func (inv *Inventory) orderedGroupsOf(hostName string) []string {
	var names []string
	for _, name := range inv.GroupNames(hostName) {
		if name != "all" {
			names = append(names, name)
		}
	}
	depth := make(map[string]int, len(names))
	for _, name := range names {
		depth[name] = inv.groupDepth(name, map[string]bool{})
	}
	sort.SliceStable(names, func(i, j int) bool {
		if depth[names[i]] != depth[names[j]] {
			return depth[names[i]] < depth[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}

// groupDepth is the distance from a root group: children sit deeper than
// their parents and therefore merge later.
func (inv *Inventory) groupDepth(name string, seen map[string]bool) int {
	if seen[name] {
		return 0
	}
	seen[name] = true
	max := 0
	for parent, g := range inv.groups {
		if parent == "all" {
			continue
		}
		for _, child := range g.Children {
			if child == name {
				if d := inv.groupDepth(parent, seen) + 1; d > max {
					max = d
				}
			}
		}
	}
	return max
}

// HostsForPattern resolves a play's hosts pattern. Supported forms: "all",
// a host name, a group name, a glob over host names, and colon-separated
// terms combined left to right ("web:db" union, "web:&live" intersection,
// "web:!canary" exclusion). A "~" prefix matches host names by regular
// expression. Hosts come back in inventory order.
func (inv *Inventory) HostsForPattern(pattern string) ([]*Host, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fferrors.NewValidationError("empty hosts pattern", nil)
	}

	selected := make(map[string]bool)
	for _, term := range strings.Split(pattern, ":") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		switch {
		case strings.HasPrefix(term, "&"):
			matched, err := inv.matchTerm(term[1:])
			if err != nil {
				return nil, err
			}
			for name := range selected {
				if !matched[name] {
					delete(selected, name)
				}
			}
		case strings.HasPrefix(term, "!"):
			matched, err := inv.matchTerm(term[1:])
			if err != nil {
				return nil, err
			}
			for name := range matched {
				delete(selected, name)
			}
		default:
			matched, err := inv.matchTerm(term)
			if err != nil {
				return nil, err
			}
			for name := range matched {
				selected[name] = true
			}
		}
	}

	if len(selected) == 0 {
		return nil, fferrors.NewValidationError(fmt.Sprintf("no hosts matched pattern '%s'", pattern), nil)
	}

	var hosts []*Host
	for _, name := range inv.order {
		if selected[name] {
			hosts = append(hosts, inv.hosts[name])
		}
	}
	return hosts, nil
}

func (inv *Inventory) matchTerm(term string) (map[string]bool, error) {
	matched := make(map[string]bool)

	if term == "all" || term == "*" {
		for name := range inv.hosts {
			matched[name] = true
		}
		return matched, nil
	}

	if strings.HasPrefix(term, "~") {
		re, err := regexp.Compile(term[1:])
		if err != nil {
			return nil, fferrors.NewValidationError(fmt.Sprintf("invalid host pattern '%s'", term), err)
		}
		for name := range inv.hosts {
			if re.MatchString(name) {
				matched[name] = true
			}
		}
		return matched, nil
	}

	if strings.ContainsAny(term, "*?[") {
		for name := range inv.hosts {
			ok, err := path.Match(term, name)
			if err != nil {
				return nil, fferrors.NewValidationError(fmt.Sprintf("invalid host pattern '%s'", term), err)
			}
			if ok {
				matched[name] = true
			}
		}
		return matched, nil
	}

	if g, ok := inv.groups[term]; ok {
		inv.collectGroupHosts(g, matched, map[string]bool{})
		return matched, nil
	}
	if _, ok := inv.hosts[term]; ok {
		matched[term] = true
	}
	return matched, nil
}

func (inv *Inventory) collectGroupHosts(g *Group, out map[string]bool, seen map[string]bool) {
	if seen[g.Name] {
		return
	}
	seen[g.Name] = true
	for _, h := range g.Hosts {
		if _, ok := inv.hosts[h]; ok {
			out[h] = true
		}
	}
	for _, child := range g.Children {
		if cg, ok := inv.groups[child]; ok {
			inv.collectGroupHosts(cg, out, seen)
		}
	}
}

// Order is a play's host execution order.
type Order string

const (
	OrderInventory     Order = "inventory"
	OrderReverse       Order = "reverse"
	OrderSorted        Order = "sorted"
	OrderReverseSorted Order = "reverse_sorted"
	OrderShuffle       Order = "shuffle"
)

// Apply reorders hosts in place according to the order. An empty order is
// inventory order (no change).
func (o Order) Apply(hosts []*Host) {
	switch o {
	case OrderSorted:
		sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })
	case OrderReverseSorted:
		sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name > hosts[j].Name })
	case OrderReverse:
		for i, j := 0, len(hosts)-1; i < j; i, j = i+1, j-1 {
			hosts[i], hosts[j] = hosts[j], hosts[i]
		}
	case OrderShuffle:
		rand.Shuffle(len(hosts), func(i, j int) {
			hosts[i], hosts[j] = hosts[j], hosts[i]
		})
	}
}

// Valid reports whether the order is one of the known values.
func (o Order) Valid() bool {
	switch o {
	case "", OrderInventory, OrderReverse, OrderSorted, OrderReverseSorted, OrderShuffle:
		return true
	}
	return false
}
