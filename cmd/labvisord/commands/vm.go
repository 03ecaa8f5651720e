package commands

import (
	"context"
	"fmt"

	"github.com/codehedgehog/labvisor/pkg/lifecycle"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
)

var vmGroup = &cobra.Group{
	ID:    "vm",
	Title: "VM Management",
}

var (
	createVCPUs     int
	createMemory    string
	createBaseImage string
)

func init() {
	rootCmd.AddGroup(vmGroup)
	rootCmd.AddCommand(createVMCmd)
	rootCmd.AddCommand(startVMCmd)
	rootCmd.AddCommand(stopVMCmd)
	rootCmd.AddCommand(deleteVMCmd)
	rootCmd.AddCommand(listVMsCmd)
	rootCmd.AddCommand(vmSnapshotsCmd)

	createVMCmd.Flags().IntVar(&createVCPUs, "vcpus", 0, "Number of virtual CPUs (defaults to the configured value)")
	createVMCmd.Flags().StringVar(&createMemory, "memory", "", "Memory size, e.g. 2G (defaults to the configured value)")
	createVMCmd.Flags().StringVar(&createBaseImage, "base-image", "", "Base image the VM disk is cloned from")
}

// createVMCmd represents the create-vm command
var createVMCmd = &cobra.Command{
	Use:   "create-vm <name>",
	Short: "Create a new VM",
	Long: `Create a new lab VM as an overlay on the base image and boot it.
When a configuration playbook is set, the VM is also configured before the
command returns.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: requireStack,
	RunE: func(cmd *cobra.Command, args []string) error {
		return createVM(cmd.Context(), args[0])
	},
	GroupID: vmGroup.ID,
}

// startVMCmd represents the start-vm command
var startVMCmd = &cobra.Command{
	Use:     "start-vm <name>",
	Short:   "Start a VM",
	Long:    `Boot a stopped lab VM.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: requireStack,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startVM(cmd.Context(), args[0])
	},
	GroupID: vmGroup.ID,
}

// stopVMCmd represents the stop-vm command
var stopVMCmd = &cobra.Command{
	Use:   "stop-vm <name>",
	Short: "Stop a VM",
	Long: `Shut a VM down gracefully, forcing power-off when the guest does
not cooperate within the configured wait. A disk snapshot is taken after
the VM is down.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: requireStack,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopVM(cmd.Context(), args[0])
	},
	GroupID: vmGroup.ID,
}

// deleteVMCmd represents the delete-vm command
var deleteVMCmd = &cobra.Command{
	Use:     "delete-vm <name>",
	Short:   "Delete a VM",
	Long:    `Delete a lab VM and its disks. Running VMs are powered off first.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: requireStack,
	RunE: func(cmd *cobra.Command, args []string) error {
		return deleteVM(cmd.Context(), args[0])
	},
	GroupID: vmGroup.ID,
}

// listVMsCmd represents the list-vms command
var listVMsCmd = &cobra.Command{
	Use:     "list-vms",
	Short:   "List all VMs",
	Long:    `List every lab VM known to the provisioner, including pool members.`,
	PreRunE: requireStack,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listVMs(cmd.Context())
	},
	GroupID: vmGroup.ID,
}

// vmSnapshotsCmd represents the vm-snapshots command
var vmSnapshotsCmd = &cobra.Command{
	Use:     "vm-snapshots <name>",
	Short:   "List the snapshots of a VM",
	Long:    `List the disk snapshots recorded for a lab VM.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: requireStack,
	RunE: func(cmd *cobra.Command, args []string) error {
		return vmSnapshots(cmd.Context(), args[0])
	},
	GroupID: vmGroup.ID,
}

// Implementation functions

func createVM(ctx context.Context, name string) error {
	spec, err := defaultSpec()
	if err != nil {
		return err
	}
	if createVCPUs > 0 {
		spec.VCPUs = createVCPUs
	}
	if createMemory != "" {
		mem, err := units.RAMInBytes(createMemory)
		if err != nil {
			return errors.Errorf("parsing memory size: %w", err)
		}
		spec.MemoryMB = int(mem / units.MiB)
	}
	if createBaseImage != "" {
		spec.BaseImage = createBaseImage
	}

	if _, err := Controller.Create(ctx, name, spec, lifecycle.CreateOptions{}); err != nil {
		return errors.Errorf("creating VM: %w", err)
	}

	fmt.Printf("VM %s created successfully\n", name)
	return nil
}

func startVM(ctx context.Context, name string) error {
	if err := Controller.Start(ctx, name); err != nil {
		return errors.Errorf("starting VM: %w", err)
	}

	fmt.Printf("VM %s started successfully\n", name)
	return nil
}

func stopVM(ctx context.Context, name string) error {
	if err := Controller.Stop(ctx, name); err != nil {
		return errors.Errorf("stopping VM: %w", err)
	}

	fmt.Printf("VM %s stopped successfully\n", name)
	return nil
}

func deleteVM(ctx context.Context, name string) error {
	if err := Controller.Delete(ctx, name); err != nil {
		return errors.Errorf("deleting VM: %w", err)
	}

	fmt.Printf("VM %s deleted successfully\n", name)
	return nil
}

func listVMs(ctx context.Context) error {
	vms := Controller.List(ctx)

	fmt.Println("Virtual Machines:")
	for _, vm := range vms {
		stateInfo := string(vm.State)
		switch {
		case vm.State == lifecycle.StateError && vm.LastErr != "":
			stateInfo = fmt.Sprintf("%s (%s)", vm.State, vm.LastErr)
		case vm.AllocatedAt != nil:
			stateInfo = fmt.Sprintf("%s, allocated %s", vm.State, vm.AllocatedAt.Format("2006-01-02 15:04:05"))
		case vm.PoolOrigin:
			stateInfo = fmt.Sprintf("%s, pool", vm.State)
		}
		fmt.Printf("  - %s (State: %s)\n", vm.Name, stateInfo)
	}

	return nil
}

func vmSnapshots(ctx context.Context, name string) error {
	snaps, err := Controller.Snapshots(ctx, name)
	if err != nil {
		return errors.Errorf("listing snapshots: %w", err)
	}
	if snaps == nil {
		fmt.Println("The configured gateway does not track snapshots")
		return nil
	}
	if len(snaps) == 0 {
		fmt.Printf("VM %s has no snapshots yet\n", name)
		return nil
	}

	fmt.Printf("Snapshots of %s:\n", name)
	for _, s := range snaps {
		fmt.Printf("  - %s\n", s)
	}

	return nil
}
