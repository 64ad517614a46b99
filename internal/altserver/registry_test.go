package altserver

import (
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func mustHost(t *testing.T, s string) Host {
	h, err := ParseHost(s)
	require.NoError(t, err)
	return h
}

func TestAddAndListForUplinkExcludesClientOnly(t *testing.T) {
	r := NewRegistry(testLogger())
	a := mustHost(t, "10.0.0.1:5003")
	b := mustHost(t, "10.0.0.2:5003")
	r.Add(a, "", false, false)
	r.Add(b, "", false, true) // client-only, must never be offered to uplinks

	got := r.ListForUplink(4, false)
	require.Len(t, got, 1)
	require.True(t, SameAddressPort(got[0], a))
}

func TestListForUplinkEmergencyIncludesFailing(t *testing.T) {
	r := NewRegistry(testLogger())
	a := mustHost(t, "10.0.0.1:5003")
	r.Add(a, "", false, false)
	r.ReportFailure(a)

	require.Empty(t, r.ListForUplink(4, false), "non-emergency pass should skip failing servers")
	require.Len(t, r.ListForUplink(4, true), 1, "emergency pass should include failing servers")
}

func TestListForClientSortsByCloseness(t *testing.T) {
	r := NewRegistry(testLogger())
	near := mustHost(t, "10.0.0.5:5003")
	far := mustHost(t, "192.168.1.1:5003")
	r.Add(far, "", false, false)
	r.Add(near, "", false, false)

	client := mustHost(t, "10.0.0.1:5003")
	got := r.ListForClient(client, 2)
	require.Len(t, got, 2)
	require.Equal(t, near.IP().String(), got[0].IP().String(), "want closest host first")
}

func TestListForClientPenalizesFailCount(t *testing.T) {
	r := NewRegistry(testLogger())
	closer := mustHost(t, "10.0.0.5:5003")
	fartherButHealthy := mustHost(t, "10.0.1.5:5003")
	r.Add(closer, "", false, false)
	r.Add(fartherButHealthy, "", false, false)

	client := mustHost(t, "10.0.0.1:5003")
	for i := 0; i < 5; i++ {
		r.ReportFailure(closer)
	}

	got := r.ListForClient(client, 2)
	require.Len(t, got, 2)
	require.Equal(t, fartherButHealthy.IP().String(), got[0].IP().String(), "a server with a high failCount should rank behind a healthier, less-close one")
}

func TestUpdateRTTAverages(t *testing.T) {
	r := NewRegistry(testLogger())
	h := mustHost(t, "10.0.0.1:5003")
	r.Add(h, "", false, false)
	r.UpdateRTT(h, 100)
	avg := r.UpdateRTT(h, 200)
	require.Equal(t, uint32(150), avg)
}
