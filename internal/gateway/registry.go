// Package gateway receives DICOM objects, from the inbound spool or from a
// remote archive, and hands them to the forward orchestrator of the node they
// were addressed to.
package gateway

import (
	"net"
	"sort"
	"strings"

	"dicom-gateway/internal/forward"
	"dicom-gateway/internal/gwerr"
)

// Source is an allowed calling entity of a forward node. An empty Hostname
// accepts the AE title from any host.
type Source struct {
	AETitle  string `json:"aet"`
	Hostname string `json:"hostname,omitempty"`
}

func (s Source) matches(aet, host string) bool {
	if strings.TrimSpace(s.AETitle) != strings.TrimSpace(aet) {
		return false
	}
	if s.Hostname == "" {
		return true
	}
	return sameHost(s.Hostname, host)
}

func sameHost(want, got string) bool {
	if got == "" {
		return false
	}
	if strings.EqualFold(want, got) {
		return true
	}
	wantIP, gotIP := net.ParseIP(want), net.ParseIP(got)
	return wantIP != nil && gotIP != nil && wantIP.Equal(gotIP)
}

// Node is a forward node: the AE title the gateway answers to and the
// destinations its objects go to.
type Node struct {
	AETitle     string
	Description string

	// Sources is the allow-list of calling entities. Empty accepts all.
	Sources      []Source
	Destinations []*forward.Destination
}

// Authorized reports whether callingAET on host may store to n.
func (n *Node) Authorized(callingAET, host string) bool {
	if len(n.Sources) == 0 {
		return true
	}
	for _, s := range n.Sources {
		if s.matches(callingAET, host) {
			return true
		}
	}
	return false
}

// Select returns the destinations named in only, or all of them when only is
// empty.
func (n *Node) Select(only []string) []*forward.Destination {
	if len(only) == 0 {
		return n.Destinations
	}
	want := make(map[string]bool, len(only))
	for _, name := range only {
		want[name] = true
	}
	var out []*forward.Destination
	for _, d := range n.Destinations {
		if want[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// Registry resolves forward nodes by called AE title. It is read-only after
// construction.
type Registry struct {
	nodes map[string]*Node
}

// NewRegistry indexes nodes. AE titles must be unique.
func NewRegistry(nodes ...*Node) (*Registry, error) {
	r := &Registry{nodes: make(map[string]*Node, len(nodes))}
	for _, n := range nodes {
		aet := strings.TrimSpace(n.AETitle)
		if aet == "" {
			return nil, gwerr.Configuration("registry", "forward node without AE title")
		}
		if _, dup := r.nodes[aet]; dup {
			return nil, gwerr.Configuration("registry", "duplicate forward node %s", aet)
		}
		r.nodes[aet] = n
	}
	return r, nil
}

// Lookup returns the node for calledAET.
func (r *Registry) Lookup(calledAET string) (*Node, error) {
	n, ok := r.nodes[strings.TrimSpace(calledAET)]
	if !ok {
		return nil, gwerr.Protocol("registry.lookup", "no forward node for called AE title %q", calledAET)
	}
	return n, nil
}

// Nodes returns the nodes sorted by AE title.
func (r *Registry) Nodes() []*Node {
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AETitle < out[j].AETitle })
	return out
}
