package sysinfo

import (
	"context"
	"testing"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrimaryIPv4(t *testing.T) {
	ifs := []psnet.InterfaceStat{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
		{Name: "eth1", Flags: []string{"broadcast"}, Addrs: psnet.InterfaceAddrList{{Addr: "10.9.9.9/24"}}},
		{Name: "eth0", Flags: []string{"up", "broadcast"}, Addrs: psnet.InterfaceAddrList{
			{Addr: "fe80::1/64"},
			{Addr: "192.168.1.20/24"},
		}},
	}
	assert.Equal(t, "192.168.1.20", primaryIPv4(ifs))
	assert.Equal(t, "", primaryIPv4(ifs[:2]))
}

func TestRound1(t *testing.T) {
	assert.Equal(t, 12.3, round1(12.34))
	assert.Equal(t, 12.4, round1(12.36))
}

func TestCollect(t *testing.T) {
	CPUSampleWindow = 10 * time.Millisecond
	s, err := Collect(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, s.Hostname)
	assert.NotEmpty(t, s.IPAddress)
	assert.GreaterOrEqual(t, s.Memory.Percent, 0.0)
}
