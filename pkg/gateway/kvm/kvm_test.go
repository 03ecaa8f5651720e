package kvm

import (
	"bytes"
	"encoding/xml"
	"io"
	"testing"

	"github.com/codehedgehog/labvisor/pkg/gateway"
	"github.com/stretchr/testify/require"
	libvirt "libvirt.org/go/libvirt"
)

func TestDomainTemplateRender(t *testing.T) {
	var buf bytes.Buffer
	err := domainTemplate.Execute(&buf, domainData{
		Name:     "hot-vm-1",
		UUID:     "6c1f3a52-0c58-4b1e-9f2d-17a6a5f4be21",
		MemoryMB: 1024,
		VCPUs:    2,
		DiskPath: "/var/lib/labvisor/hot-vm-1.qcow2",
		Network:  "default",
	})
	require.NoError(t, err)

	var doc struct {
		Type   string `xml:"type,attr"`
		Name   string `xml:"name"`
		UUID   string `xml:"uuid"`
		Memory struct {
			Unit  string `xml:"unit,attr"`
			Value string `xml:",chardata"`
		} `xml:"memory"`
		VCPU    string `xml:"vcpu"`
		Devices struct {
			Disk struct {
				Driver struct {
					Type string `xml:"type,attr"`
				} `xml:"driver"`
				Source struct {
					File string `xml:"file,attr"`
				} `xml:"source"`
				Target struct {
					Dev string `xml:"dev,attr"`
				} `xml:"target"`
			} `xml:"disk"`
			Interface struct {
				Source struct {
					Network string `xml:"network,attr"`
				} `xml:"source"`
			} `xml:"interface"`
		} `xml:"devices"`
	}
	require.NoError(t, xml.Unmarshal(buf.Bytes(), &doc))

	require.Equal(t, "kvm", doc.Type)
	require.Equal(t, "hot-vm-1", doc.Name)
	require.Equal(t, "6c1f3a52-0c58-4b1e-9f2d-17a6a5f4be21", doc.UUID)
	require.Equal(t, "MiB", doc.Memory.Unit)
	require.Equal(t, "1024", doc.Memory.Value)
	require.Equal(t, "2", doc.VCPU)
	require.Equal(t, "qcow2", doc.Devices.Disk.Driver.Type)
	require.Equal(t, "/var/lib/labvisor/hot-vm-1.qcow2", doc.Devices.Disk.Source.File)
	// snapshots target the vda device, the template must keep that name
	require.Equal(t, "vda", doc.Devices.Disk.Target.Dev)
	require.Equal(t, "default", doc.Devices.Interface.Source.Network)
}

func TestDomainDescParsing(t *testing.T) {
	raw := `<domain type='kvm'>
  <name>lab-1</name>
  <devices>
    <disk type='file' device='disk'>
      <source file='/var/lib/labvisor/lab-1.qcow2'/>
      <target dev='vda'/>
    </disk>
    <disk type='file' device='disk'>
      <source file='/var/lib/labvisor/lab-1.snap.qcow2'/>
      <target dev='vda'/>
    </disk>
    <interface type='network'>
      <mac address='52:54:00:AB:CD:EF'/>
      <source network='default'/>
    </interface>
  </devices>
</domain>`

	var desc domainDesc
	require.NoError(t, xml.Unmarshal([]byte(raw), &desc))

	require.Len(t, desc.Devices.Disks, 2)
	require.Equal(t, "/var/lib/labvisor/lab-1.qcow2", desc.Devices.Disks[0].Source.File)
	require.Equal(t, "/var/lib/labvisor/lab-1.snap.qcow2", desc.Devices.Disks[1].Source.File)
	require.Len(t, desc.Devices.Interfaces, 1)
	require.Equal(t, "52:54:00:AB:CD:EF", desc.Devices.Interfaces[0].MAC.Address)
}

func TestMapState(t *testing.T) {
	tests := []struct {
		in   libvirt.DomainState
		want gateway.DomainState
	}{
		{libvirt.DOMAIN_RUNNING, gateway.StateRunning},
		{libvirt.DOMAIN_BLOCKED, gateway.StateRunning},
		{libvirt.DOMAIN_SHUTDOWN, gateway.StateRunning},
		{libvirt.DOMAIN_SHUTOFF, gateway.StateShutOff},
		{libvirt.DOMAIN_PAUSED, gateway.StatePaused},
		{libvirt.DOMAIN_PMSUSPENDED, gateway.StatePaused},
		{libvirt.DOMAIN_CRASHED, gateway.StateCrashed},
		{libvirt.DOMAIN_NOSTATE, gateway.StateUnknown},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, mapState(tt.in))
	}
}

func TestMapErr(t *testing.T) {
	tests := []struct {
		name string
		code libvirt.ErrorNumber
		want error
	}{
		{"no domain", libvirt.ERR_NO_DOMAIN, gateway.ErrDomainNotFound},
		{"domain exists", libvirt.ERR_DOM_EXIST, gateway.ErrDomainExists},
		{"operation invalid", libvirt.ERR_OPERATION_INVALID, gateway.ErrAlreadyInState},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapErr("looking up domain lab-1", libvirt.Error{Code: tt.code, Message: "boom"})
			require.ErrorIs(t, err, tt.want)
			require.Contains(t, err.Error(), "looking up domain lab-1")
		})
	}

	// unknown libvirt codes and foreign errors pass through wrapped
	err := mapErr("starting domain lab-1", libvirt.Error{Code: libvirt.ERR_INTERNAL_ERROR, Message: "boom"})
	require.NotErrorIs(t, err, gateway.ErrDomainNotFound)

	err = mapErr("reading domain lab-1", io.ErrUnexpectedEOF)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
