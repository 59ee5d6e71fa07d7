package mesh

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"overlay-go/pkg/p2p"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManagedSession(t *testing.T) *testSession {
	t.Helper()
	cfg := testConfig(t)
	cfg.ManagementSocket = filepath.Join(t.TempDir(), "overlayd.sock")
	ts := newTestSession(t, cfg)
	require.NotNil(t, ts.Management())
	return ts
}

func TestManagementPeers(t *testing.T) {
	ts := newManagedSession(t)
	mgmt := ts.Management()

	assert.Equal(t, "OK: no peers", mgmt.Execute("peers"))

	_, err := ts.OnPacketReceived(peerA)
	require.NoError(t, err)
	require.NoError(t, ts.OnPathUpdate(peerA, PathUpdate{Op: PathSetTarget, Addr: targetA}))

	out := mgmt.Execute("peers")
	assert.Contains(t, out, "OK: 1 peers")
	assert.Contains(t, out, peerA.String())
	assert.Contains(t, out, "Tunnelled")
	assert.Contains(t, out, targetA.String())

	var st p2p.State
	require.NoError(t, json.Unmarshal([]byte(mgmt.Execute("peer "+peerA.String())), &st))
	assert.Equal(t, peerA, st.ID)
	assert.Equal(t, targetA, st.TargetAddress)

	assert.Contains(t, mgmt.Execute("peer "+peerB.String()), "Error: peer")
	assert.Contains(t, mgmt.Execute("peer"), "wrong number of arguments")
}

func TestManagementRouteAndRemove(t *testing.T) {
	ts := newManagedSession(t)
	mgmt := ts.Management()
	require.NoError(t, ts.OnPathUpdate(peerA, PathUpdate{Op: PathSetTarget, Addr: targetA}))

	assert.Contains(t, mgmt.Execute("route "+peerA.String()), "OK: BestEffort: relay to")
	assert.Contains(t, mgmt.Execute("route "+peerA.String()+" direct"), "direct to "+targetA.String())
	assert.Contains(t, mgmt.Execute("route "+peerA.String()+" sideways"), "Error: route")

	assert.Equal(t, "OK: removed "+peerA.String(), mgmt.Execute("remove "+peerA.String()))
	assert.Contains(t, mgmt.Execute("remove "+peerA.String()), "Error: remove")
}

func TestManagementSelfHintsGraph(t *testing.T) {
	ts := newManagedSession(t)
	mgmt := ts.Management()

	assert.Contains(t, mgmt.Execute("self"), ts.SelfAddress().String())
	assert.Equal(t, "OK: 0 hints", mgmt.Execute("hints"))

	require.NoError(t, ts.OnPathUpdate(peerA, PathUpdate{Op: PathSetTarget, Addr: targetA}))
	require.NoError(t, ts.OnPathUpdate(peerA, PathUpdate{Op: PathSetConnected, Value: true}))
	out := mgmt.Execute("hints")
	assert.Contains(t, out, "OK: 1 hints")
	assert.Contains(t, out, targetA.String())

	assert.Contains(t, mgmt.Execute("graph"), "digraph G")
	assert.Contains(t, mgmt.Execute("help"), "route")
}
