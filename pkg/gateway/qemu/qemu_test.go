package qemu

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/codehedgehog/labvisor/pkg/gateway"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"
)

// newTestGateway builds a gateway over a scratch work directory without
// resolving the qemu binaries, so the file-level behavior can be tested on
// hosts that have no QEMU installed.
func newTestGateway(t *testing.T) *Gateway {
	t.Helper()

	dir := t.TempDir()
	for _, sub := range []string{"disks", "conf", "run", "backups"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
	}
	return &Gateway{cfg: Config{WorkDir: dir, Binary: "qemu-system-x86_64"}, imgPath: "qemu-img"}
}

func writeConf(t *testing.T, g *Gateway, conf domainConf) {
	t.Helper()

	raw, err := json.MarshalIndent(conf, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(g.confPath(conf.Name), raw, 0o644))
}

// markRunning plants a pidfile pointing at the test process itself, which
// is as alive as a process gets.
func markRunning(t *testing.T, g *Gateway, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(g.pidPath(name), []byte(strconv.Itoa(os.Getpid())), 0o644))
}

func TestReadConfMissingDomain(t *testing.T) {
	g := newTestGateway(t)

	_, err := g.readConf("ghost")
	require.True(t, errors.Is(err, gateway.ErrDomainNotFound))
}

func TestListDomainsFromConfDir(t *testing.T) {
	g := newTestGateway(t)

	writeConf(t, g, domainConf{Name: "lab-b", VCPUs: 1, MemoryMB: 512, Disk: g.diskPath("lab-b")})
	writeConf(t, g, domainConf{Name: "lab-a", VCPUs: 2, MemoryMB: 1024, Disk: g.diskPath("lab-a")})
	markRunning(t, g, "lab-a")

	domains, err := g.ListDomains(t.Context())
	require.NoError(t, err)
	require.Equal(t, []gateway.DomainInfo{
		{Name: "lab-a", State: gateway.StateRunning},
		{Name: "lab-b", State: gateway.StateShutOff},
	}, domains)
}

func TestStaleRuntimeFilesMeanShutOff(t *testing.T) {
	g := newTestGateway(t)

	writeConf(t, g, domainConf{Name: "lab-1", VCPUs: 1, MemoryMB: 512, Disk: g.diskPath("lab-1")})
	// garbage pidfile left behind by a crash
	require.NoError(t, os.WriteFile(g.pidPath("lab-1"), []byte("not-a-pid"), 0o644))

	require.False(t, g.alive("lab-1"))

	domains, err := g.ListDomains(t.Context())
	require.NoError(t, err)
	require.Equal(t, gateway.StateShutOff, domains[0].State)
}

func TestDestroyRemovesDiskAndConf(t *testing.T) {
	g := newTestGateway(t)

	disk := g.diskPath("lab-1")
	require.NoError(t, os.WriteFile(disk, []byte("qcow2"), 0o644))
	writeConf(t, g, domainConf{Name: "lab-1", VCPUs: 1, MemoryMB: 512, Disk: disk})

	require.NoError(t, g.Destroy(t.Context(), "lab-1"))

	_, err := os.Stat(disk)
	require.True(t, os.IsNotExist(err))
	_, err = g.readConf("lab-1")
	require.True(t, errors.Is(err, gateway.ErrDomainNotFound))
}

func TestDestroyRefusesRunningDomain(t *testing.T) {
	g := newTestGateway(t)

	writeConf(t, g, domainConf{Name: "lab-1", VCPUs: 1, MemoryMB: 512, Disk: g.diskPath("lab-1")})
	markRunning(t, g, "lab-1")

	err := g.Destroy(t.Context(), "lab-1")
	require.True(t, errors.Is(err, gateway.ErrRejected))
}

func TestRenameRewritesConf(t *testing.T) {
	g := newTestGateway(t)

	disk := g.diskPath("hot-vm-3")
	require.NoError(t, os.WriteFile(disk, []byte("qcow2"), 0o644))
	writeConf(t, g, domainConf{Name: "hot-vm-3", VCPUs: 1, MemoryMB: 512, Disk: disk})

	require.NoError(t, g.Rename(t.Context(), "hot-vm-3", "student-7"))

	_, err := g.readConf("hot-vm-3")
	require.True(t, errors.Is(err, gateway.ErrDomainNotFound))

	conf, err := g.readConf("student-7")
	require.NoError(t, err)
	require.Equal(t, "student-7", conf.Name)
	require.Equal(t, g.diskPath("student-7"), conf.Disk)
	_, err = os.Stat(g.diskPath("student-7"))
	require.NoError(t, err)
}

func TestRenameRefusals(t *testing.T) {
	g := newTestGateway(t)

	writeConf(t, g, domainConf{Name: "lab-1", VCPUs: 1, MemoryMB: 512, Disk: g.diskPath("lab-1")})
	writeConf(t, g, domainConf{Name: "lab-2", VCPUs: 1, MemoryMB: 512, Disk: g.diskPath("lab-2")})

	err := g.Rename(t.Context(), "lab-1", "lab-2")
	require.True(t, errors.Is(err, gateway.ErrDomainExists))

	err = g.Rename(t.Context(), "ghost", "lab-3")
	require.True(t, errors.Is(err, gateway.ErrDomainNotFound))

	markRunning(t, g, "lab-1")
	err = g.Rename(t.Context(), "lab-1", "lab-3")
	require.True(t, errors.Is(err, gateway.ErrRejected))
}

func TestParseSnapshotTable(t *testing.T) {
	out := `Snapshot list:
ID        TAG                     VM SIZE                DATE       VM CLOCK
1         lab-1-20250216-101530      0 B 2025-02-16 10:15:30   00:00:00.000
2         lab-1-20250216-114201      0 B 2025-02-16 11:42:01   00:00:00.000
`
	require.Equal(t,
		[]string{"lab-1-20250216-101530", "lab-1-20250216-114201"},
		parseSnapshotTable(out))

	require.Empty(t, parseSnapshotTable(""))
	require.Empty(t, parseSnapshotTable("Snapshot list:\nID  TAG  VM SIZE  DATE  VM CLOCK\n"))
}
