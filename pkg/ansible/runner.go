// Package ansible shells out to ansible-playbook for the post-boot
// configuration pass, the same run an operator would do by hand. The
// privilege escalation secret is handed to the child over an inherited pipe
// (--become-password-file /dev/fd/3), so it never appears in the argument
// list, the environment, or any log line.
package ansible

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const defaultTimeout = 10 * time.Minute

// Runner invokes ansible-playbook against a single target host.
type Runner struct {
	binPath   string
	playbook  string
	inventory string
	timeout   time.Duration
}

// NewRunner resolves the ansible-playbook executable and checks the
// playbook exists.
func NewRunner(playbook, inventory string) (*Runner, error) {
	binPath, err := exec.LookPath("ansible-playbook")
	if err != nil {
		return nil, errors.Errorf("finding ansible-playbook executable: %w", err)
	}
	if _, err := os.Stat(playbook); err != nil {
		return nil, errors.Errorf("checking playbook %s: %w", playbook, err)
	}
	return &Runner{
		binPath:   binPath,
		playbook:  playbook,
		inventory: inventory,
		timeout:   defaultTimeout,
	}, nil
}

// Configure runs the playbook against the named VM. With a nil becomePass
// the playbook runs without privilege escalation.
func (r *Runner) Configure(ctx context.Context, name, addr string, becomePass []byte) error {
	logger := zerolog.Ctx(ctx)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	args := r.buildArgs(name, addr, becomePass != nil)
	logger.Info().
		Str("vm", name).
		Str("playbook", r.playbook).
		Bool("become", becomePass != nil).
		Msg("Running configuration playbook")

	cmd := exec.CommandContext(ctx, r.binPath, args...)

	if becomePass != nil {
		pr, pw, err := os.Pipe()
		if err != nil {
			return errors.Errorf("creating become password pipe: %w", err)
		}
		defer pr.Close()
		// first ExtraFiles entry becomes fd 3 in the child
		cmd.ExtraFiles = []*os.File{pr}
		go func() {
			defer pw.Close()
			pw.Write(becomePass)
			pw.Write([]byte("\n"))
		}()
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.Errorf("running ansible-playbook for %s: %s: %w", name, output, err)
	}

	logger.Info().Str("vm", name).Msg("Configuration playbook finished")
	return nil
}

// buildArgs assembles the command line. The secret itself is never part of
// it.
func (r *Runner) buildArgs(name, addr string, become bool) []string {
	args := []string{}
	if r.inventory != "" {
		args = append(args, "-i", r.inventory)
	}
	args = append(args, r.playbook, "-e", "target_host="+name)
	if addr != "" {
		args = append(args, "-e", "ansible_host="+addr)
	}
	if become {
		args = append(args, "--become", "--become-password-file", "/dev/fd/3")
	}
	return args
}
