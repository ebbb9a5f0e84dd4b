// Command sshterm is a minimal interactive SSH client built on the
// sshmux protocol engine: connect, password authentication, a session
// channel with pty+shell (or a single exec), stdin/stdout bridged to
// the channel.
package main

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/sshmux"
)

var (
	flagUser     string
	flagPassword string
	flagCommand  string
	flagInsecure bool
	flagVerbose  bool
)

func main() {
	root := &cobra.Command{
		Use:   "sshterm [flags] host:port",
		Short: "Minimal SSH client for the sshmux engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if flagVerbose {
				logrus.SetLevel(logrus.DebugLevel)
			} else {
				logrus.SetLevel(logrus.WarnLevel)
			}
			return run(args[0])
		},
		SilenceUsage: true,
	}
	root.Flags().StringVarP(&flagUser, "user", "u", os.Getenv("USER"), "login user name")
	root.Flags().StringVarP(&flagPassword, "password", "p", "", "password (read from SSHTERM_PASSWORD if empty)")
	root.Flags().StringVarP(&flagCommand, "command", "c", "", "run a single command instead of a shell")
	root.Flags().BoolVar(&flagInsecure, "insecure", false, "accept any host key")
	root.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(addr string) error {
	password := flagPassword
	if password == "" {
		password = os.Getenv("SSHTERM_PASSWORD")
	}

	opts := sshmux.DefaultOptions()
	opts.HostKeyCallback = func(publicBlob []byte) error {
		if flagInsecure {
			return nil
		}
		// No known-hosts store in this demo; require the explicit flag.
		return errors.New("unknown host key (rerun with --insecure to accept)")
	}

	session, err := sshmux.Dial("tcp", addr, opts)
	if err != nil {
		return err
	}
	defer session.Disconnect()

	if err := session.AuthPassword(flagUser, password); err != nil {
		return err
	}

	ch, err := session.OpenSession()
	if err != nil {
		return err
	}
	defer ch.Free()

	interactive := flagCommand == ""
	if interactive {
		if err := ch.RequestPTY("xterm", 80, 24); err != nil {
			return err
		}
		if err := ch.RequestShell(); err != nil {
			return err
		}
	} else {
		if err := ch.RequestExec(flagCommand); err != nil {
			return err
		}
	}

	if err := bridge(ch, interactive); err != nil {
		return err
	}
	if status := ch.ExitStatus(); status > 0 {
		os.Exit(status)
	}
	return nil
}

// readStdin forwards local standard input over a Go channel and closes
// it when the input runs dry. It never touches the session: all session
// entry happens on the bridge loop, which is not internally
// synchronized against concurrent callers.
func readStdin(out chan<- []byte) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			out <- append([]byte(nil), buf[:n]...)
		}
		if err != nil {
			close(out)
			return
		}
	}
}

// bridge pumps remote output to the local terminal until the channel
// ends, forwarding stdin input to the channel when interactive.
func bridge(ch *sshmux.Channel, interactive bool) error {
	var stdin chan []byte
	if interactive {
		stdin = make(chan []byte)
		go readStdin(stdin)
	}

	buf := make([]byte, 32768)
	for {
		// Forward everything the stdin reader has handed over.
	forward:
		for stdin != nil {
			select {
			case chunk, ok := <-stdin:
				if !ok {
					stdin = nil
					if err := ch.SendEOF(); err != nil {
						return err
					}
					break forward
				}
				if _, err := ch.Write(chunk); err != nil {
					return err
				}
			default:
				break forward
			}
		}

		_, err := sshmux.Select(context.Background(), []*sshmux.Channel{ch}, 50*time.Millisecond)
		if errors.Is(err, sshmux.ErrTimeout) {
			continue
		}
		if err != nil {
			return err
		}

		n, rerr := ch.ReadAvailable(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		for ch.BufferedStderr() > 0 {
			m, serr := ch.ReadStderr(buf)
			if m > 0 {
				os.Stderr.Write(buf[:m])
			}
			if serr != nil {
				break
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}
