package p2p

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"overlay-go/pkg/deviceid"

	"github.com/goccy/go-graphviz"
)

const header = `
digraph G {
    graph [fontname = "monospace" inputscale=0];
    node [fontname = "courier new" shape=underline];
    edge [fontname = "courier new" len=4.5]
   bgcolor=transparent;
   splines=true
   layout=neato
  normalize=-90
 `

const (
	selfNode  = "self"
	relayNode = "relay"
)

// Topology is the local view of the mesh: this node, the relay and every
// known peer with the path its traffic takes.
type Topology struct {
	Self  deviceid.DeviceID
	Peers []State
}

func NewTopology(self deviceid.DeviceID, reg *Registry) *Topology {
	return &Topology{Self: self, Peers: reg.Snapshots()}
}

func nodeName(id deviceid.DeviceID) string {
	return id.Short()
}

func (t *Topology) nodes() string {
	var b strings.Builder
	b.WriteString("# relay and self\n")
	fmt.Fprintf(&b, "\"%s\" [shape=rectangle,style=\"rounded,bold\" color=\"#FFB0B0\" label=\"RELAY\" pos=\"60,0!\"]\n", relayNode)
	fmt.Fprintf(&b, "\"%s\" [shape=rectangle,style=bold color=\"#80B0FF\" label=\"%s\\n%s\" pos=\"0,0!\"]\n", selfNode, t.Self.Short(), t.Self)
	b.WriteString("\n # nodedefs\n")
	for _, st := range t.Peers {
		color := "grey"
		if !st.Active {
			color = "\"#C0C0C0\" fontcolor=\"#A0A0A0\""
		}
		lock := ""
		if st.Negotiated {
			lock = "🔒"
		}
		fmt.Fprintf(&b, " \"%s\" [color=%s label=\"💻%s%s\\n%s\"]\n", nodeName(st.ID), color, lock, st.ID.Short(), st.IPAddress)
	}
	return b.String()
}

func (t *Topology) edges() string {
	var b strings.Builder
	b.WriteString("# to relay\n")
	fmt.Fprintf(&b, "\"%s\" -> \"%s\" [style=\"dashed\" arrowhead=none, color=grey]\n", selfNode, relayNode)
	b.WriteString("# peers\n")
	for _, st := range t.Peers {
		name := nodeName(st.ID)
		switch {
		case st.Reestablishing:
			fmt.Fprintf(&b, "\"%s\" -> \"%s\" [style=\"dashed\" arrowhead=none, color=grey]\n", relayNode, name)
			fmt.Fprintf(&b, "\"%s\" -> \"%s\" [color=orange,style=bold]\n", selfNode, name)
		case st.Tunnelled:
			fmt.Fprintf(&b, "\"%s\" -> \"%s\" [style=\"dashed\" arrowhead=none, color=grey]\n", relayNode, name)
		default:
			fmt.Fprintf(&b, "\"%s\" -> \"%s\" [dir=both,style=bold, color=green label=\"%s\"]\n", selfNode, name, st.TargetAddress)
		}
	}
	return b.String()
}

// GenerateGraphviz renders the topology in DOT.
func (t *Topology) GenerateGraphviz() string {
	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(t.edges())
	b.WriteString("\n")
	b.WriteString(t.nodes())
	b.WriteString("}\n")
	return b.String()
}

// GenerateGraphImage renders the topology to SVG.
func (t *Topology) GenerateGraphImage(ctx context.Context) ([]byte, error) {
	graph, err := graphviz.ParseBytes([]byte(t.GenerateGraphviz()))
	if err != nil {
		return nil, fmt.Errorf("p2p: parse topology graph: %w", err)
	}
	g, err := graphviz.New(ctx)
	if err != nil {
		return nil, err
	}
	defer g.Close()
	var buf bytes.Buffer
	if err := g.Render(ctx, graph, graphviz.SVG, &buf); err != nil {
		return nil, fmt.Errorf("p2p: render topology graph: %w", err)
	}
	return buf.Bytes(), nil
}
