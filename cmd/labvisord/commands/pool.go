package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/codehedgehog/labvisor/pkg/pool"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
)

var poolGroup = &cobra.Group{
	ID:    "pool",
	Title: "Hot Pool",
}

var allocateName string

func init() {
	rootCmd.AddGroup(poolGroup)
	rootCmd.AddCommand(poolStatusCmd)
	rootCmd.AddCommand(poolFillCmd)
	rootCmd.AddCommand(allocateCmd)

	allocateCmd.Flags().StringVar(&allocateName, "name", "", "Rename the allocated VM to this name (needs caller naming enabled)")
}

// poolStatusCmd represents the pool-status command
var poolStatusCmd = &cobra.Command{
	Use:     "pool-status",
	Short:   "Show the hot pool state",
	Long:    `Show how many pool VMs are ready, being prepared, or broken.`,
	PreRunE: requireStack,
	RunE: func(cmd *cobra.Command, args []string) error {
		return poolStatus(cmd.Context())
	},
	GroupID: poolGroup.ID,
}

// poolFillCmd represents the pool-fill command
var poolFillCmd = &cobra.Command{
	Use:     "pool-fill",
	Short:   "Fill the hot pool up to its target",
	Long:    `Create pool VMs until the configured target of ready machines is met.`,
	PreRunE: requireStack,
	RunE: func(cmd *cobra.Command, args []string) error {
		return poolFill(cmd.Context())
	},
	GroupID: poolGroup.ID,
}

// allocateCmd represents the allocate command
var allocateCmd = &cobra.Command{
	Use:     "allocate",
	Short:   "Take a ready VM from the hot pool",
	Long:    `Hand out a ready pool VM, booted and stamped as allocated.`,
	PreRunE: requireStack,
	RunE: func(cmd *cobra.Command, args []string) error {
		return allocateVM(cmd.Context())
	},
	GroupID: poolGroup.ID,
}

// newPoolManager wires a pool manager over the shared controller and lets
// it adopt the pool VMs that already exist.
func newPoolManager(ctx context.Context) (*pool.Manager, error) {
	spec, err := defaultSpec()
	if err != nil {
		return nil, err
	}

	pm, err := pool.NewManager(Controller, pool.Config{
		Target:            Conf.Pool.Target,
		Prefix:            Conf.Pool.Prefix,
		Spec:              spec,
		ReplenishInterval: Conf.Pool.ReplenishInterval.Std(),
		ReconcileInterval: Conf.Pool.ReconcileInterval.Std(),
		FillWorkers:       Conf.Pool.FillWorkers,
		WarmRunning:       Conf.Pool.WarmRunning,
		CallerNaming:      Conf.Pool.CallerNaming,
	}, Sink)
	if err != nil {
		return nil, errors.Errorf("creating pool manager: %w", err)
	}

	pm.Adopt(ctx)
	return pm, nil
}

// Implementation functions

func poolStatus(ctx context.Context) error {
	pm, err := newPoolManager(ctx)
	if err != nil {
		return err
	}

	st := pm.Status()
	fmt.Printf("Hot pool: %d/%d ready, %d filling\n", st.Ready, st.Target, st.Filling)

	for _, slot := range pm.Slots() {
		fmt.Printf("  - %s (%s)\n", slot.Name, slot.State)
	}

	return nil
}

func poolFill(ctx context.Context) error {
	pm, err := newPoolManager(ctx)
	if err != nil {
		return err
	}

	pm.Replenish(ctx)

	// creates run on the worker pool; wait for them to land
	for {
		st := pm.Status()
		if st.Filling == 0 {
			fmt.Printf("Hot pool ready: %d/%d\n", st.Ready, st.Target)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func allocateVM(ctx context.Context) error {
	pm, err := newPoolManager(ctx)
	if err != nil {
		return err
	}

	rec, err := pm.Allocate(ctx, allocateName)
	if err != nil {
		return errors.Errorf("allocating VM: %w", err)
	}

	fmt.Printf("VM %s allocated successfully\n", rec.Name)
	return nil
}
