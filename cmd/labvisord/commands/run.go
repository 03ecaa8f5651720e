package commands

import (
	"context"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the provisioning daemon",
	Long: `Run labvisord in the foreground: adopt existing VMs, keep the hot
pool replenished and reconcile it against the hypervisor until interrupted.`,
	PreRunE: requireStack,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
	GroupID: poolGroup.ID,
}

func runDaemon(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	if err := os.MkdirAll(Conf.StateDir, 0o755); err != nil {
		return errors.Errorf("creating state directory: %w", err)
	}

	// two daemons racing the same pool would fight over slots
	lockPath := filepath.Join(Conf.StateDir, "labvisord.lock")
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return errors.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return errors.Errorf("another labvisord instance holds %s", lockPath)
	}
	defer lock.Unlock()

	pm, err := newPoolManager(ctx)
	if err != nil {
		return err
	}

	logger.Info().
		Int("pool_target", Conf.Pool.Target).
		Str("gateway", Conf.Gateway.Kind).
		Msg("Daemon started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pm.Run(ctx)
	})

	if err := g.Wait(); err != nil {
		return errors.Errorf("running pool manager: %w", err)
	}

	logger.Info().Msg("Daemon stopped")
	return nil
}
