// Package kvm implements the hypervisor gateway on top of a local libvirt
// daemon. Domains are defined from an embedded XML template, disks are
// qcow2 overlays cloned off a shared base image, and guest addresses come
// from the DHCP leases of the attached libvirt network.
package kvm

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/xml"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/codehedgehog/labvisor/pkg/gateway"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	libvirt "libvirt.org/go/libvirt"
)

//go:embed domain.xml
var domainXML string

var domainTemplate = template.Must(template.New("domain").Parse(domainXML))

const statePollInterval = 500 * time.Millisecond

// Config carries the libvirt connection settings.
type Config struct {
	URI        string // connection URI, e.g. qemu:///system
	Network    string // network guests attach to and lease addresses from
	StorageDir string // where overlay disks are created
	BackupDir  string // destination for full snapshot copies
}

// Gateway is a libvirt-backed hypervisor gateway. A fresh connection is
// opened per operation so a restarted libvirtd never leaves us holding a
// dead handle.
type Gateway struct {
	cfg Config
}

// New validates the config and prepares the storage directory.
func New(cfg Config) (*Gateway, error) {
	if cfg.URI == "" {
		cfg.URI = "qemu:///system"
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.StorageDir == "" {
		return nil, errors.New("kvm gateway requires a storage directory")
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(cfg.StorageDir, "backups")
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o755); err != nil {
		return nil, errors.Errorf("creating storage directory: %w", err)
	}
	return &Gateway{cfg: cfg}, nil
}

func (g *Gateway) connect() (*libvirt.Connect, error) {
	conn, err := libvirt.NewConnect(g.cfg.URI)
	if err != nil {
		return nil, errors.Errorf("connecting to libvirt at %s: %w: %v", g.cfg.URI, gateway.ErrUnavailable, err)
	}
	return conn, nil
}

type domainData struct {
	Name     string
	UUID     string
	MemoryMB int
	VCPUs    int
	DiskPath string
	Network  string
}

func (g *Gateway) Define(ctx context.Context, spec gateway.DomainSpec) error {
	logger := zerolog.Ctx(ctx)

	if spec.BaseImage == "" {
		return errors.Errorf("defining domain %s: no base image configured", spec.Name)
	}

	conn, err := g.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	if dom, err := conn.LookupDomainByName(spec.Name); err == nil {
		dom.Free()
		return errors.Errorf("defining domain %s: %w", spec.Name, gateway.ErrDomainExists)
	}

	disk := spec.DiskPath
	if disk == "" {
		disk = filepath.Join(g.cfg.StorageDir, spec.Name+".qcow2")
	}
	out, err := exec.CommandContext(ctx, "qemu-img", "create",
		"-f", "qcow2", "-F", "qcow2", "-b", spec.BaseImage, disk).CombinedOutput()
	if err != nil {
		return errors.Errorf("creating domain disk: %s: %w", out, err)
	}

	var buf bytes.Buffer
	data := domainData{
		Name:     spec.Name,
		UUID:     uuid.NewString(),
		MemoryMB: spec.MemoryMB,
		VCPUs:    spec.VCPUs,
		DiskPath: disk,
		Network:  g.cfg.Network,
	}
	if err := domainTemplate.Execute(&buf, data); err != nil {
		return errors.Errorf("rendering domain XML for %s: %w", spec.Name, err)
	}

	dom, err := conn.DomainDefineXML(buf.String())
	if err != nil {
		return mapErr("defining domain "+spec.Name, err)
	}
	dom.Free()

	logger.Debug().
		Str("name", spec.Name).
		Str("disk", disk).
		Int("memory_mb", spec.MemoryMB).
		Int("vcpus", spec.VCPUs).
		Msg("Defined libvirt domain")
	return nil
}

func (g *Gateway) Start(ctx context.Context, name string) error {
	conn, err := g.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	dom, err := conn.LookupDomainByName(name)
	if err != nil {
		return mapErr("looking up domain "+name, err)
	}
	defer dom.Free()

	if err := dom.Create(); err != nil {
		return mapErr("starting domain "+name, err)
	}
	return nil
}

func (g *Gateway) GracefulStop(ctx context.Context, name string, wait time.Duration) error {
	conn, err := g.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	dom, err := conn.LookupDomainByName(name)
	if err != nil {
		return mapErr("looking up domain "+name, err)
	}
	defer dom.Free()

	if err := dom.Shutdown(); err != nil {
		// shutdown on a powered-off domain reports an invalid operation
		if state, _, serr := dom.GetState(); serr == nil && state == libvirt.DOMAIN_SHUTOFF {
			return nil
		}
		return mapErr("requesting shutdown of domain "+name, err)
	}

	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return errors.Errorf("waiting for domain %s to shut down: %w", name, ctx.Err())
		case <-ticker.C:
			state, _, err := dom.GetState()
			if err != nil {
				return mapErr("checking state of domain "+name, err)
			}
			if state == libvirt.DOMAIN_SHUTOFF {
				return nil
			}
			if time.Now().After(deadline) {
				return errors.Errorf("domain %s still running %s after shutdown request", name, wait)
			}
		}
	}
}

func (g *Gateway) ForceStop(ctx context.Context, name string) error {
	conn, err := g.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	dom, err := conn.LookupDomainByName(name)
	if err != nil {
		return mapErr("looking up domain "+name, err)
	}
	defer dom.Free()

	if err := dom.Destroy(); err != nil {
		// destroying a powered-off domain counts as done
		if isCode(err, libvirt.ERR_OPERATION_INVALID) {
			return nil
		}
		return mapErr("force stopping domain "+name, err)
	}
	return nil
}

func (g *Gateway) Destroy(ctx context.Context, name string) error {
	logger := zerolog.Ctx(ctx)

	conn, err := g.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	dom, err := conn.LookupDomainByName(name)
	if err != nil {
		return mapErr("looking up domain "+name, err)
	}
	defer dom.Free()

	if active, err := dom.IsActive(); err == nil && active {
		return errors.Errorf("destroying domain %s while running: %w", name, gateway.ErrRejected)
	}

	disks, _ := g.diskSources(dom)

	if err := dom.UndefineFlags(libvirt.DOMAIN_UNDEFINE_SNAPSHOTS_METADATA | libvirt.DOMAIN_UNDEFINE_MANAGED_SAVE); err != nil {
		// older daemons reject the flag set
		if err := dom.Undefine(); err != nil {
			return mapErr("undefining domain "+name, err)
		}
	}

	for _, disk := range disks {
		if err := os.Remove(disk); err != nil && !os.IsNotExist(err) {
			logger.Debug().Err(err).Str("disk", disk).Msg("Could not remove domain disk")
		}
	}
	// external snapshot overlays we created alongside the main disk
	overlays, _ := filepath.Glob(filepath.Join(g.cfg.StorageDir, name+".*.qcow2"))
	for _, overlay := range overlays {
		if err := os.Remove(overlay); err != nil && !os.IsNotExist(err) {
			logger.Debug().Err(err).Str("disk", overlay).Msg("Could not remove snapshot overlay")
		}
	}
	return nil
}

func (g *Gateway) Snapshot(ctx context.Context, name string, incremental bool) (string, error) {
	conn, err := g.connect()
	if err != nil {
		return "", err
	}
	defer conn.Close()

	dom, err := conn.LookupDomainByName(name)
	if err != nil {
		return "", mapErr("looking up domain "+name, err)
	}
	defer dom.Free()

	snap := fmt.Sprintf("%s-%s", name, time.Now().UTC().Format("20060102-150405"))

	if !incremental {
		if active, err := dom.IsActive(); err == nil && active {
			return "", errors.Errorf("full snapshot of running domain %s: %w", name, gateway.ErrRejected)
		}
		disks, err := g.diskSources(dom)
		if err != nil || len(disks) == 0 {
			return "", errors.Errorf("finding disk of domain %s: %w", name, err)
		}
		if err := os.MkdirAll(g.cfg.BackupDir, 0o755); err != nil {
			return "", errors.Errorf("creating backup directory: %w", err)
		}
		dst := filepath.Join(g.cfg.BackupDir, snap+".qcow2")
		out, err := exec.CommandContext(ctx, "qemu-img", "convert", "-O", "qcow2", disks[0], dst).CombinedOutput()
		if err != nil {
			return "", errors.Errorf("copying disk of domain %s: %s: %w", name, out, err)
		}
		return snap, nil
	}

	overlay := filepath.Join(g.cfg.StorageDir, fmt.Sprintf("%s.%s.qcow2", name, snap))
	snapXML := fmt.Sprintf(`<domainsnapshot>
  <name>%s</name>
  <disks>
    <disk name='vda' snapshot='external'>
      <source file='%s'/>
    </disk>
  </disks>
</domainsnapshot>`, snap, overlay)

	ss, err := dom.CreateSnapshotXML(snapXML, libvirt.DOMAIN_SNAPSHOT_CREATE_DISK_ONLY|libvirt.DOMAIN_SNAPSHOT_CREATE_ATOMIC)
	if err != nil {
		return "", mapErr("snapshotting domain "+name, err)
	}
	ss.Free()
	return snap, nil
}

func (g *Gateway) ListDomains(ctx context.Context) ([]gateway.DomainInfo, error) {
	conn, err := g.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	doms, err := conn.ListAllDomains(0)
	if err != nil {
		return nil, mapErr("listing domains", err)
	}

	out := make([]gateway.DomainInfo, 0, len(doms))
	for i := range doms {
		name, nerr := doms[i].GetName()
		state, _, serr := doms[i].GetState()
		doms[i].Free()
		if nerr != nil || serr != nil {
			continue
		}
		out = append(out, gateway.DomainInfo{Name: name, State: mapState(state)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Rename implements the Renamer capability for stopped domains.
func (g *Gateway) Rename(ctx context.Context, oldName, newName string) error {
	conn, err := g.connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	dom, err := conn.LookupDomainByName(oldName)
	if err != nil {
		return mapErr("looking up domain "+oldName, err)
	}
	defer dom.Free()

	if active, err := dom.IsActive(); err == nil && active {
		return errors.Errorf("renaming domain %s while running: %w", oldName, gateway.ErrRejected)
	}
	if err := dom.Rename(newName, 0); err != nil {
		return mapErr(fmt.Sprintf("renaming domain %s to %s", oldName, newName), err)
	}
	return nil
}

// Address implements the AddressResolver capability by matching the
// domain's MAC against the network's DHCP leases.
func (g *Gateway) Address(ctx context.Context, name string) (string, error) {
	conn, err := g.connect()
	if err != nil {
		return "", err
	}
	defer conn.Close()

	dom, err := conn.LookupDomainByName(name)
	if err != nil {
		return "", mapErr("looking up domain "+name, err)
	}
	defer dom.Free()

	mac, err := g.domainMAC(dom)
	if err != nil {
		return "", errors.Errorf("reading MAC of domain %s: %w", name, err)
	}

	network, err := conn.LookupNetworkByName(g.cfg.Network)
	if err != nil {
		return "", mapErr("looking up network "+g.cfg.Network, err)
	}
	defer network.Free()

	leases, err := network.GetDHCPLeases()
	if err != nil {
		return "", errors.Errorf("reading DHCP leases of network %s: %w", g.cfg.Network, err)
	}
	for _, lease := range leases {
		if strings.EqualFold(lease.Mac, mac) {
			return lease.IPaddr, nil
		}
	}
	return "", errors.Errorf("no DHCP lease found for domain %s", name)
}

// Snapshots implements the SnapshotLister capability.
func (g *Gateway) Snapshots(ctx context.Context, name string) ([]string, error) {
	conn, err := g.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	dom, err := conn.LookupDomainByName(name)
	if err != nil {
		return nil, mapErr("looking up domain "+name, err)
	}
	defer dom.Free()

	snaps, err := dom.ListAllSnapshots(0)
	if err != nil {
		return nil, mapErr("listing snapshots of domain "+name, err)
	}
	names := make([]string, 0, len(snaps))
	for i := range snaps {
		if n, err := snaps[i].GetName(); err == nil {
			names = append(names, n)
		}
		snaps[i].Free()
	}
	sort.Strings(names)
	return names, nil
}

// domainDesc is the slice of the libvirt domain XML we care about.
type domainDesc struct {
	Devices struct {
		Disks []struct {
			Source struct {
				File string `xml:"file,attr"`
			} `xml:"source"`
		} `xml:"disk"`
		Interfaces []struct {
			MAC struct {
				Address string `xml:"address,attr"`
			} `xml:"mac"`
		} `xml:"interface"`
	} `xml:"devices"`
}

func describeDomain(dom *libvirt.Domain) (domainDesc, error) {
	raw, err := dom.GetXMLDesc(0)
	if err != nil {
		return domainDesc{}, errors.Errorf("fetching domain XML: %w", err)
	}
	var desc domainDesc
	if err := xml.Unmarshal([]byte(raw), &desc); err != nil {
		return domainDesc{}, errors.Errorf("parsing domain XML: %w", err)
	}
	return desc, nil
}

func (g *Gateway) diskSources(dom *libvirt.Domain) ([]string, error) {
	desc, err := describeDomain(dom)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, d := range desc.Devices.Disks {
		if d.Source.File != "" {
			files = append(files, d.Source.File)
		}
	}
	return files, nil
}

func (g *Gateway) domainMAC(dom *libvirt.Domain) (string, error) {
	desc, err := describeDomain(dom)
	if err != nil {
		return "", err
	}
	for _, iface := range desc.Devices.Interfaces {
		if iface.MAC.Address != "" {
			return iface.MAC.Address, nil
		}
	}
	return "", errors.New("domain has no network interface")
}

func mapState(s libvirt.DomainState) gateway.DomainState {
	switch s {
	case libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_BLOCKED, libvirt.DOMAIN_SHUTDOWN:
		return gateway.StateRunning
	case libvirt.DOMAIN_SHUTOFF:
		return gateway.StateShutOff
	case libvirt.DOMAIN_PAUSED, libvirt.DOMAIN_PMSUSPENDED:
		return gateway.StatePaused
	case libvirt.DOMAIN_CRASHED:
		return gateway.StateCrashed
	default:
		return gateway.StateUnknown
	}
}

func isCode(err error, code libvirt.ErrorNumber) bool {
	var lverr libvirt.Error
	return errors.As(err, &lverr) && lverr.Code == code
}

// mapErr rewraps libvirt errors into the gateway's base conditions so
// callers can match them without importing libvirt.
func mapErr(op string, err error) error {
	var lverr libvirt.Error
	if errors.As(err, &lverr) {
		switch lverr.Code {
		case libvirt.ERR_NO_DOMAIN:
			return errors.Errorf("%s: %w", op, gateway.ErrDomainNotFound)
		case libvirt.ERR_DOM_EXIST:
			return errors.Errorf("%s: %w", op, gateway.ErrDomainExists)
		case libvirt.ERR_OPERATION_INVALID:
			return errors.Errorf("%s: %w", op, gateway.ErrAlreadyInState)
		}
	}
	return errors.Errorf("%s: %w", op, err)
}

var (
	_ gateway.Gateway         = (*Gateway)(nil)
	_ gateway.Renamer         = (*Gateway)(nil)
	_ gateway.AddressResolver = (*Gateway)(nil)
	_ gateway.SnapshotLister  = (*Gateway)(nil)
)
