// Package qemu implements the hypervisor gateway by running QEMU processes
// directly, without a libvirt daemon in between. Each domain is a qemu
// process with a QMP control socket and a pidfile under the gateway's work
// directory. Useful on hosts where libvirt is not installed.
package qemu

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/codehedgehog/labvisor/pkg/gateway"
	"github.com/digitalocean/go-qemu/qemu"
	"github.com/digitalocean/go-qemu/qmp"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const (
	qmpConnectTimeout = 2 * time.Second
	pollInterval      = 500 * time.Millisecond
)

// Config carries the process gateway settings.
type Config struct {
	WorkDir string // disks, control sockets, pidfiles and backups live here
	Binary  string // qemu system binary, defaults to qemu-system-x86_64
}

// Gateway runs and supervises QEMU processes.
type Gateway struct {
	cfg     Config
	imgPath string
}

// New resolves the QEMU binaries and prepares the work directory layout.
func New(cfg Config) (*Gateway, error) {
	if cfg.WorkDir == "" {
		return nil, errors.New("qemu gateway requires a work directory")
	}
	if cfg.Binary == "" {
		cfg.Binary = "qemu-system-x86_64"
	}
	binPath, err := exec.LookPath(cfg.Binary)
	if err != nil {
		return nil, errors.Errorf("finding qemu executable: %w", err)
	}
	cfg.Binary = binPath

	imgPath, err := exec.LookPath("qemu-img")
	if err != nil {
		return nil, errors.Errorf("finding qemu-img executable: %w", err)
	}

	for _, dir := range []string{"disks", "conf", "run", "backups"} {
		if err := os.MkdirAll(filepath.Join(cfg.WorkDir, dir), 0o755); err != nil {
			return nil, errors.Errorf("creating work directory: %w", err)
		}
	}
	return &Gateway{cfg: cfg, imgPath: imgPath}, nil
}

type domainConf struct {
	Name     string `json:"name"`
	VCPUs    int    `json:"vcpus"`
	MemoryMB int    `json:"memory_mb"`
	Disk     string `json:"disk"`
}

func (g *Gateway) confPath(name string) string {
	return filepath.Join(g.cfg.WorkDir, "conf", name+".json")
}

func (g *Gateway) diskPath(name string) string {
	return filepath.Join(g.cfg.WorkDir, "disks", name+".qcow2")
}

func (g *Gateway) socketPath(name string) string {
	return filepath.Join(g.cfg.WorkDir, "run", name+".sock")
}

func (g *Gateway) pidPath(name string) string {
	return filepath.Join(g.cfg.WorkDir, "run", name+".pid")
}

func (g *Gateway) readConf(name string) (domainConf, error) {
	raw, err := os.ReadFile(g.confPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return domainConf{}, errors.Errorf("domain %s: %w", name, gateway.ErrDomainNotFound)
		}
		return domainConf{}, errors.Errorf("reading conf of domain %s: %w", name, err)
	}
	var conf domainConf
	if err := json.Unmarshal(raw, &conf); err != nil {
		return domainConf{}, errors.Errorf("parsing conf of domain %s: %w", name, err)
	}
	return conf, nil
}

func (g *Gateway) Define(ctx context.Context, spec gateway.DomainSpec) error {
	logger := zerolog.Ctx(ctx)

	if spec.BaseImage == "" {
		return errors.Errorf("defining domain %s: no base image configured", spec.Name)
	}
	if _, err := os.Stat(g.confPath(spec.Name)); err == nil {
		return errors.Errorf("defining domain %s: %w", spec.Name, gateway.ErrDomainExists)
	}

	disk := spec.DiskPath
	if disk == "" {
		disk = g.diskPath(spec.Name)
	}
	out, err := exec.CommandContext(ctx, g.imgPath, "create",
		"-f", "qcow2", "-F", "qcow2", "-b", spec.BaseImage, disk).CombinedOutput()
	if err != nil {
		return errors.Errorf("creating domain disk: %s: %w", out, err)
	}

	conf := domainConf{Name: spec.Name, VCPUs: spec.VCPUs, MemoryMB: spec.MemoryMB, Disk: disk}
	raw, err := json.MarshalIndent(conf, "", "  ")
	if err != nil {
		return errors.Errorf("encoding conf of domain %s: %w", spec.Name, err)
	}
	if err := os.WriteFile(g.confPath(spec.Name), raw, 0o644); err != nil {
		return errors.Errorf("writing conf of domain %s: %w", spec.Name, err)
	}

	logger.Debug().Str("name", spec.Name).Str("disk", disk).Msg("Defined qemu domain")
	return nil
}

func (g *Gateway) Start(ctx context.Context, name string) error {
	logger := zerolog.Ctx(ctx)

	conf, err := g.readConf(name)
	if err != nil {
		return err
	}
	if g.alive(name) {
		return errors.Errorf("starting domain %s: %w", name, gateway.ErrAlreadyInState)
	}
	os.Remove(g.socketPath(name))

	args := []string{
		"-name", name,
		"-machine", "accel=kvm:tcg",
		"-cpu", "max",
		"-m", strconv.Itoa(conf.MemoryMB),
		"-smp", strconv.Itoa(conf.VCPUs),
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", conf.Disk),
		"-netdev", "user,id=net0",
		"-device", "virtio-net-pci,netdev=net0",
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", g.socketPath(name)),
		"-pidfile", g.pidPath(name),
		"-display", "none",
		"-daemonize",
	}
	out, err := exec.CommandContext(ctx, g.cfg.Binary, args...).CombinedOutput()
	if err != nil {
		return errors.Errorf("starting qemu for domain %s: %s: %w", name, out, err)
	}

	logger.Debug().
		Str("name", name).
		Str("socket", g.socketPath(name)).
		Msg("Started qemu process")
	return nil
}

func (g *Gateway) GracefulStop(ctx context.Context, name string, wait time.Duration) error {
	if _, err := g.readConf(name); err != nil {
		return err
	}
	if !g.alive(name) {
		return nil
	}

	mon, err := qmp.NewSocketMonitor("unix", g.socketPath(name), qmpConnectTimeout)
	if err != nil {
		return errors.Errorf("creating monitor for domain %s: %w", name, err)
	}
	if err := mon.Connect(); err != nil {
		return errors.Errorf("connecting to monitor of domain %s: %w", name, err)
	}
	defer mon.Disconnect()

	dom, err := qemu.NewDomain(mon, name)
	if err != nil {
		return errors.Errorf("attaching to domain %s: %w", name, err)
	}
	if err := dom.SystemPowerdown(); err != nil {
		return errors.Errorf("requesting powerdown of domain %s: %w", name, err)
	}

	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.Errorf("waiting for domain %s to shut down: %w", name, ctx.Err())
		case <-ticker.C:
			if !g.alive(name) {
				g.cleanupRuntime(name)
				return nil
			}
			if time.Now().After(deadline) {
				return errors.Errorf("domain %s still running %s after powerdown request", name, wait)
			}
		}
	}
}

func (g *Gateway) ForceStop(ctx context.Context, name string) error {
	if _, err := g.readConf(name); err != nil {
		return err
	}
	pid, err := g.readPid(name)
	if err != nil || !processAlive(pid) {
		g.cleanupRuntime(name)
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err == nil {
		if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return errors.Errorf("killing qemu for domain %s: %w", name, err)
		}
	}
	g.cleanupRuntime(name)
	return nil
}

func (g *Gateway) Destroy(ctx context.Context, name string) error {
	conf, err := g.readConf(name)
	if err != nil {
		return err
	}
	if g.alive(name) {
		return errors.Errorf("destroying domain %s while running: %w", name, gateway.ErrRejected)
	}
	for _, path := range []string{conf.Disk, g.confPath(name)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Errorf("removing %s: %w", path, err)
		}
	}
	g.cleanupRuntime(name)
	return nil
}

func (g *Gateway) Snapshot(ctx context.Context, name string, incremental bool) (string, error) {
	conf, err := g.readConf(name)
	if err != nil {
		return "", err
	}
	if g.alive(name) {
		return "", errors.Errorf("snapshotting running domain %s: %w", name, gateway.ErrRejected)
	}

	snap := fmt.Sprintf("%s-%s", name, time.Now().UTC().Format("20060102-150405"))
	if incremental {
		out, err := exec.CommandContext(ctx, g.imgPath, "snapshot", "-c", snap, conf.Disk).CombinedOutput()
		if err != nil {
			return "", errors.Errorf("snapshotting disk of domain %s: %s: %w", name, out, err)
		}
		return snap, nil
	}

	dst := filepath.Join(g.cfg.WorkDir, "backups", snap+".qcow2")
	out, err := exec.CommandContext(ctx, g.imgPath, "convert", "-O", "qcow2", conf.Disk, dst).CombinedOutput()
	if err != nil {
		return "", errors.Errorf("copying disk of domain %s: %s: %w", name, out, err)
	}
	return snap, nil
}

func (g *Gateway) ListDomains(ctx context.Context) ([]gateway.DomainInfo, error) {
	confs, err := filepath.Glob(filepath.Join(g.cfg.WorkDir, "conf", "*.json"))
	if err != nil {
		return nil, errors.Errorf("scanning conf directory: %w", err)
	}
	out := make([]gateway.DomainInfo, 0, len(confs))
	for _, path := range confs {
		name := strings.TrimSuffix(filepath.Base(path), ".json")
		state := gateway.StateShutOff
		if g.alive(name) {
			state = gateway.StateRunning
		}
		out = append(out, gateway.DomainInfo{Name: name, State: state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Rename implements the Renamer capability by moving the domain's disk and
// conf to the new name. The domain must be stopped.
func (g *Gateway) Rename(ctx context.Context, oldName, newName string) error {
	conf, err := g.readConf(oldName)
	if err != nil {
		return err
	}
	if g.alive(oldName) {
		return errors.Errorf("renaming domain %s while running: %w", oldName, gateway.ErrRejected)
	}
	if _, err := os.Stat(g.confPath(newName)); err == nil {
		return errors.Errorf("renaming %s to %s: %w", oldName, newName, gateway.ErrDomainExists)
	}

	newDisk := conf.Disk
	if conf.Disk == g.diskPath(oldName) {
		newDisk = g.diskPath(newName)
		if err := os.Rename(conf.Disk, newDisk); err != nil {
			return errors.Errorf("moving disk of domain %s: %w", oldName, err)
		}
	}
	conf.Name = newName
	conf.Disk = newDisk
	raw, err := json.MarshalIndent(conf, "", "  ")
	if err != nil {
		return errors.Errorf("encoding conf of domain %s: %w", newName, err)
	}
	if err := os.WriteFile(g.confPath(newName), raw, 0o644); err != nil {
		return errors.Errorf("writing conf of domain %s: %w", newName, err)
	}
	if err := os.Remove(g.confPath(oldName)); err != nil {
		return errors.Errorf("removing conf of domain %s: %w", oldName, err)
	}
	return nil
}

// Snapshots implements the SnapshotLister capability from the qcow2
// snapshot table.
//
// TODO: switch to `qemu-img info --output=json` and read the snapshots
// array instead of parsing the human table.
func (g *Gateway) Snapshots(ctx context.Context, name string) ([]string, error) {
	conf, err := g.readConf(name)
	if err != nil {
		return nil, err
	}
	out, err := exec.CommandContext(ctx, g.imgPath, "snapshot", "-l", conf.Disk).CombinedOutput()
	if err != nil {
		return nil, errors.Errorf("listing snapshots of domain %s: %s: %w", name, out, err)
	}
	return parseSnapshotTable(string(out)), nil
}

// parseSnapshotTable pulls the TAG column out of `qemu-img snapshot -l`
// output. Everything up to and including the ID header line is noise.
func parseSnapshotTable(out string) []string {
	var names []string
	header := true
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if header {
			if fields[0] == "ID" {
				header = false
			}
			continue
		}
		names = append(names, fields[1])
	}
	return names
}

func (g *Gateway) readPid(name string) (int, error) {
	raw, err := os.ReadFile(g.pidPath(name))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, errors.Errorf("parsing pidfile of domain %s: %w", name, err)
	}
	return pid, nil
}

func (g *Gateway) alive(name string) bool {
	pid, err := g.readPid(name)
	if err != nil {
		return false
	}
	return processAlive(pid)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func (g *Gateway) cleanupRuntime(name string) {
	os.Remove(g.pidPath(name))
	os.Remove(g.socketPath(name))
}

var (
	_ gateway.Gateway        = (*Gateway)(nil)
	_ gateway.Renamer        = (*Gateway)(nil)
	_ gateway.SnapshotLister = (*Gateway)(nil)
)
