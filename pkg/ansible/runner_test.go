package ansible

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	r := &Runner{
		binPath:   "/usr/bin/ansible-playbook",
		playbook:  "/etc/labvisor/site.yaml",
		inventory: "/etc/labvisor/hosts",
	}

	tests := []struct {
		name   string
		addr   string
		become bool
		want   []string
	}{
		{
			name:   "plain run",
			become: false,
			want: []string{
				"-i", "/etc/labvisor/hosts",
				"/etc/labvisor/site.yaml",
				"-e", "target_host=vm1",
			},
		},
		{
			name:   "with address",
			addr:   "192.168.122.50",
			become: false,
			want: []string{
				"-i", "/etc/labvisor/hosts",
				"/etc/labvisor/site.yaml",
				"-e", "target_host=vm1",
				"-e", "ansible_host=192.168.122.50",
			},
		},
		{
			name:   "with become",
			become: true,
			want: []string{
				"-i", "/etc/labvisor/hosts",
				"/etc/labvisor/site.yaml",
				"-e", "target_host=vm1",
				"--become", "--become-password-file", "/dev/fd/3",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.buildArgs("vm1", tt.addr, tt.become)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestBuildArgsNeverCarriesSecretMaterial(t *testing.T) {
	r := &Runner{
		binPath:   "/usr/bin/ansible-playbook",
		playbook:  "site.yaml",
		inventory: "hosts",
	}

	// simulate what Configure would pass given secret "hunter2"
	args := r.buildArgs("vm1", "10.0.0.5", true)
	joined := strings.Join(args, " ")
	require.NotContains(t, joined, "hunter2")
	require.Contains(t, joined, "--become-password-file /dev/fd/3")
}

func TestBuildArgsWithoutInventory(t *testing.T) {
	r := &Runner{binPath: "ansible-playbook", playbook: "site.yaml"}
	args := r.buildArgs("vm1", "", false)
	require.Equal(t, []string{"site.yaml", "-e", "target_host=vm1"}, args)
}

// fakePlaybook writes a stand-in for ansible-playbook into dir that records
// its argument list in dir/argv, then runs body.
func fakePlaybook(t *testing.T, dir, body string) string {
	t.Helper()
	bin := filepath.Join(dir, "fake-playbook")
	script := "#!/bin/sh\necho \"$@\" > " + filepath.Join(dir, "argv") + "\n" + body
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin
}

func TestConfigureDeliversSecretOverPipe(t *testing.T) {
	dir := t.TempDir()
	bin := fakePlaybook(t, dir, "cat /dev/fd/3 > "+filepath.Join(dir, "secret")+"\n")
	r := &Runner{binPath: bin, playbook: "site.yaml", timeout: 10 * time.Second}

	require.NoError(t, r.Configure(t.Context(), "vm1", "10.0.0.5", []byte("hunter2")))

	secret, err := os.ReadFile(filepath.Join(dir, "secret"))
	require.NoError(t, err)
	require.Equal(t, "hunter2\n", string(secret))

	argv, err := os.ReadFile(filepath.Join(dir, "argv"))
	require.NoError(t, err)
	require.NotContains(t, string(argv), "hunter2")
	require.Contains(t, string(argv), "--become")
}

func TestConfigureWithoutSecretSkipsBecome(t *testing.T) {
	dir := t.TempDir()
	bin := fakePlaybook(t, dir, "")
	r := &Runner{binPath: bin, playbook: "site.yaml", timeout: 10 * time.Second}

	require.NoError(t, r.Configure(t.Context(), "vm1", "", nil))

	argv, err := os.ReadFile(filepath.Join(dir, "argv"))
	require.NoError(t, err)
	require.NotContains(t, string(argv), "--become")
}

func TestConfigureReportsPlaybookOutput(t *testing.T) {
	dir := t.TempDir()
	bin := fakePlaybook(t, dir, "echo 'unreachable: vm1'\nexit 2\n")
	r := &Runner{binPath: bin, playbook: "site.yaml", timeout: 10 * time.Second}

	err := r.Configure(t.Context(), "vm1", "", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unreachable: vm1")
}
