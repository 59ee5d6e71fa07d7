package p2p

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopologyGraphviz(t *testing.T) {
	reg, _ := newTestRegistry(t)
	direct := reg.GetOrCreate(idA)
	direct.SetTargetAddress(endpoint)
	direct.SetConnected(true)
	reg.GetOrCreate(idB).SetTargetAddress(netip.MustParseAddrPort("198.51.100.1:1"))

	self := testID(42)
	dot := NewTopology(self, reg).GenerateGraphviz()

	assert.True(t, strings.HasPrefix(strings.TrimSpace(dot), "digraph G {"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(dot), "}"))
	assert.Contains(t, dot, `"self" -> "`+idA.Short()+`" [dir=both,style=bold, color=green`)
	assert.Contains(t, dot, `"relay" -> "`+idB.Short()+`" [style="dashed"`)
	assert.Contains(t, dot, self.Short())
	assert.NotContains(t, dot, `"self" -> "`+idB.Short()+`"`)
}
