package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/codehedgehog/labvisor/pkg/ansible"
	"github.com/codehedgehog/labvisor/pkg/config"
	"github.com/codehedgehog/labvisor/pkg/gateway"
	"github.com/codehedgehog/labvisor/pkg/gateway/kvm"
	qemugw "github.com/codehedgehog/labvisor/pkg/gateway/qemu"
	"github.com/codehedgehog/labvisor/pkg/lifecycle"
	"github.com/codehedgehog/labvisor/pkg/metrics"
	"github.com/codehedgehog/labvisor/pkg/vault"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/term"
)

var (
	// Debug flag for verbose logging
	Debug bool

	configPath    string
	askBecomePass bool
)

// Globals shared by the command implementations. They are populated by
// PersistentPreRunE (configuration, secrets) and initStack (everything that
// needs the hypervisor).
var (
	Conf       config.Config
	Secrets    *vault.Vault
	Sink       *metrics.Memory
	Gateway    gateway.Gateway
	Controller *lifecycle.Controller
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "labvisord",
	Short: "Lab VM provisioner",
	Long: `labvisord provisions short-lived KVM virtual machines for lab
students. It manages the VM lifecycle, keeps a hot pool of ready machines,
proxies terminal sessions into them and records every session.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := zerolog.InfoLevel
		if Debug {
			level = zerolog.DebugLevel
		}

		ctx := zerolog.Ctx(cmd.Context()).With().Str("command", cmd.Name()).Logger().Level(level).WithContext(cmd.Context())
		cmd.SetContext(ctx)

		var err error
		Conf, err = config.Load(configPath)
		if err != nil {
			return errors.Errorf("loading configuration: %w", err)
		}

		Secrets = vault.New()
		if askBecomePass {
			fmt.Fprint(os.Stderr, "BECOME password: ")
			pass, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return errors.Errorf("reading password: %w", err)
			}
			Secrets.Set(pass)
			vault.Zero(pass)
		}

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&Debug, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&askBecomePass, "ask-become-pass", false, "Prompt for the configuration privilege escalation password")
}

func RootCmd() *cobra.Command {
	return rootCmd
}

// requireStack is the PreRunE of every command that talks to the
// hypervisor. Commands that only read recordings skip it, so they work on
// hosts without a virtualization stack.
func requireStack(cmd *cobra.Command, _ []string) error {
	return initStack(cmd)
}

func initStack(cmd *cobra.Command) error {
	ctx := cmd.Context()

	var err error
	Gateway, err = buildGateway(Conf)
	if err != nil {
		return errors.Errorf("creating hypervisor gateway: %w", err)
	}

	Sink = metrics.NewMemory()

	opts := lifecycle.Options{
		Vault:    Secrets,
		Metrics:  Sink,
		StopWait: Conf.VM.StopWait.Std(),
	}
	if Conf.AnsibleEnabled() {
		runner, err := ansible.NewRunner(Conf.Ansible.Playbook, Conf.Ansible.Inventory)
		if err != nil {
			return errors.Errorf("creating ansible runner: %w", err)
		}
		opts.Configurer = runner
	}

	Controller = lifecycle.NewController(Gateway, opts)

	// pick up domains that already exist at the hypervisor
	if _, err := Controller.Adopt(ctx, poolOwned); err != nil {
		return errors.Errorf("adopting existing domains: %w", err)
	}

	return nil
}

func buildGateway(conf config.Config) (gateway.Gateway, error) {
	switch conf.Gateway.Kind {
	case "libvirt":
		return kvm.New(kvm.Config{
			URI:        conf.Gateway.URI,
			Network:    conf.Gateway.Network,
			StorageDir: conf.Gateway.StorageDir,
			BackupDir:  conf.Gateway.BackupDir,
		})
	case "qemu":
		return qemugw.New(qemugw.Config{WorkDir: conf.Gateway.StorageDir})
	case "fake":
		return gateway.NewFake(), nil
	default:
		return nil, errors.Errorf("unknown gateway kind %q", conf.Gateway.Kind)
	}
}

// poolOwned reports whether a domain name belongs to the hot pool.
func poolOwned(name string) bool {
	return strings.HasPrefix(name, Conf.Pool.Prefix)
}

// defaultSpec builds the VM shape from the configuration.
func defaultSpec() (lifecycle.Spec, error) {
	mem, err := Conf.MemoryMB()
	if err != nil {
		return lifecycle.Spec{}, err
	}
	return lifecycle.Spec{
		VCPUs:     Conf.VM.VCPUs,
		MemoryMB:  mem,
		BaseImage: Conf.VM.BaseImage,
	}, nil
}
