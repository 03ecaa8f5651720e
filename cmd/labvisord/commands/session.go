package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/codehedgehog/labvisor/pkg/gateway"
	"github.com/codehedgehog/labvisor/pkg/recorder"
	"github.com/codehedgehog/labvisor/pkg/session"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/term"
)

var sessionGroup = &cobra.Group{
	ID:    "session",
	Title: "Terminal Sessions",
}

var replayRealtime bool

func init() {
	rootCmd.AddGroup(sessionGroup)
	rootCmd.AddCommand(openSessionCmd)
	rootCmd.AddCommand(replaySessionCmd)
	rootCmd.AddCommand(listRecordingsCmd)

	replaySessionCmd.Flags().BoolVar(&replayRealtime, "realtime", false, "Reproduce the original timing instead of dumping the output")
}

// openSessionCmd represents the open-session command
var openSessionCmd = &cobra.Command{
	Use:   "open-session <name>",
	Short: "Open a terminal session into a VM",
	Long: `Attach the current terminal to a shell inside a running lab VM.
The session is recorded and ends when the shell exits, the idle timeout
fires or the connection drops.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: requireStack,
	RunE: func(cmd *cobra.Command, args []string) error {
		return openSession(cmd.Context(), args[0])
	},
	GroupID: sessionGroup.ID,
}

// replaySessionCmd represents the replay-session command
var replaySessionCmd = &cobra.Command{
	Use:   "replay-session <session-id>",
	Short: "Replay a recorded session",
	Long: `Play the output of a recorded terminal session back to this
terminal. With --realtime the original pacing is reproduced.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return replaySession(cmd.Context(), args[0])
	},
	GroupID: sessionGroup.ID,
}

// listRecordingsCmd represents the list-recordings command
var listRecordingsCmd = &cobra.Command{
	Use:   "list-recordings",
	Short: "List recorded sessions",
	Long:  `List the session recordings available for replay.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listRecordings(cmd.Context())
	},
	GroupID: sessionGroup.ID,
}

// stdioStream exposes the calling terminal as the student side of a
// session.
type stdioStream struct {
	in  *os.File
	out *os.File
}

func (s *stdioStream) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *stdioStream) Write(p []byte) (int, error) { return s.out.Write(p) }

// Close unblocks a pending stdin read with an expired deadline instead of
// closing the process's real stdin.
func (s *stdioStream) Close() error {
	return s.in.SetReadDeadline(time.Now())
}

// Implementation functions

func openSession(ctx context.Context, vmName string) error {
	resolver, ok := Gateway.(gateway.AddressResolver)
	if !ok {
		return errors.Errorf("the %s gateway cannot resolve VM addresses", Conf.Gateway.Kind)
	}

	rec, err := recorder.New(Conf.Recording.Dir, Conf.Recording.QueueSize)
	if err != nil {
		return errors.Errorf("preparing recording directory: %w", err)
	}

	shells := session.NewSSHShellFactory(resolver, session.ShellConfig{
		User:     Conf.VM.SSHUser,
		Password: Conf.VM.SSHPassword,
		KeyPath:  Conf.VM.SSHKeyPath,
		Port:     Conf.VM.SSHPort,
	})

	manager := session.NewManager(Controller, shells, session.Options{
		Recorder:    rec,
		Metrics:     Sink,
		IdleTimeout: Conf.Session.IdleTimeout.Std(),
	})

	// raw mode so control sequences reach the VM untouched
	if term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return errors.Errorf("switching terminal to raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	s, err := manager.Open(ctx, vmName, &stdioStream{in: os.Stdin, out: os.Stdout})
	if err != nil {
		return err
	}

	<-s.Wait()

	fmt.Printf("\r\nSession %s ended: %s\r\n", s.ID, s.Reason())
	if err := s.Recording(); err != nil {
		fmt.Printf("Recording is incomplete: %s\r\n", err)
	}
	fmt.Printf("Recording: %s\r\n", rec.LogPath(s.ID))
	return nil
}

func replaySession(ctx context.Context, id string) error {
	rec, err := recorder.New(Conf.Recording.Dir, Conf.Recording.QueueSize)
	if err != nil {
		return errors.Errorf("preparing recording directory: %w", err)
	}

	if err := recorder.Replay(ctx, rec.LogPath(id), os.Stdout, replayRealtime); err != nil {
		return errors.Errorf("replaying session %s: %w", id, err)
	}
	return nil
}

func listRecordings(ctx context.Context) error {
	entries, err := os.ReadDir(Conf.Recording.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No recordings yet")
			return nil
		}
		return errors.Errorf("reading recording directory: %w", err)
	}

	fmt.Println("Recorded Sessions:")
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".cast") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fmt.Printf("  - %s (%s, %s)\n",
			strings.TrimSuffix(e.Name(), ".cast"),
			units.HumanSize(float64(info.Size())),
			info.ModTime().Format("2006-01-02 15:04:05"))
	}

	return nil
}
