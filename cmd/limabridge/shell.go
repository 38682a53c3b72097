package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/term"

	"github.com/labring/lima-bridge/pkg/client"
	"github.com/labring/lima-bridge/pkg/terminal"
)

// resizeQuiet coalesces the burst of SIGWINCH a terminal emulator sends
// while its window is dragged.
const resizeQuiet = 50 * time.Millisecond

// watchedBackend reports when the attachment the bridge holds ends.
type watchedBackend struct {
	*client.Client
	ended chan struct{}
}

func (b *watchedBackend) AttachPTY(ctx context.Context, sessionID string, sink func([]byte)) (terminal.Channel, error) {
	ch, err := b.Client.AttachPTY(ctx, sessionID, sink)
	if err != nil {
		return nil, err
	}
	if d, ok := ch.(interface{ Done() <-chan struct{} }); ok {
		go func() {
			<-d.Done()
			select {
			case b.ended <- struct{}{}:
			default:
			}
		}()
	}
	return ch, nil
}

func runShell(ctx context.Context, c *client.Client, args []string) error {
	flags := flag.NewFlagSet("shell", flag.ContinueOnError)
	attachID := flags.String("attach", "", "Attach to an existing session instead of spawning one")
	cwd := flags.String("cwd", "", "Working directory of the spawned command")
	if err := flags.Parse(args); err != nil {
		return errUsage
	}

	in, out := int(os.Stdin.Fd()), int(os.Stdout.Fd())
	if !term.IsTerminal(in) {
		return errors.New("shell needs an interactive terminal")
	}

	size := terminal.Size{Rows: 24, Cols: 80}
	if cols, rows, err := term.GetSize(out); err == nil {
		size = terminal.Size{Rows: uint16(rows), Cols: uint16(cols)}
	}

	backend := &watchedBackend{Client: c, ended: make(chan struct{}, 1)}
	bridge := terminal.NewBridge(backend, os.Stdout,
		terminal.WithCoordinator(terminal.NewResizeCoordinator(resizeQuiet)),
		terminal.WithInitialSize(size),
	)

	oldState, err := term.MakeRaw(in)
	if err != nil {
		return err
	}
	defer term.Restore(in, oldState)

	if *attachID != "" {
		if err := bridge.Attach(ctx, *attachID); err != nil {
			return err
		}
	} else {
		var command string
		var commandArgs []string
		if rest := flags.Args(); len(rest) > 0 {
			command, commandArgs = rest[0], rest[1:]
		}
		if _, err := bridge.Spawn(ctx, command, commandArgs, *cwd); err != nil {
			return err
		}
	}

	stdinDone := make(chan error, 1)
	go func() {
		stdinDone <- pumpInput(ctx, bridge, os.Stdin)
	}()

	resized := make(chan os.Signal, 1)
	stopResize := notifyResize(resized)
	defer stopResize()

	for {
		select {
		case <-resized:
			if cols, rows, err := term.GetSize(out); err == nil {
				bridge.Fit(uint16(rows), uint16(cols))
			}
		case <-backend.ended:
			// The process exited or another client took the session.
			return finish(bridge, *attachID != "")
		case err := <-stdinDone:
			if err != nil && !errors.Is(err, io.EOF) {
				slog.Debug("Input closed", slog.String("error", err.Error()))
			}
			return finish(bridge, *attachID != "")
		case <-ctx.Done():
			return finish(bridge, *attachID != "")
		}
	}
}

// finish leaves a session this command attached to running and closes one
// it spawned.
func finish(bridge *terminal.Bridge, attached bool) error {
	if attached {
		bridge.Detach()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bridge.Close(ctx); err != nil {
		slog.Debug("Session already gone", slog.String("error", err.Error()))
	}
	return nil
}

func pumpInput(ctx context.Context, bridge *terminal.Bridge, r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if inErr := bridge.Input(ctx, buf[:n]); inErr != nil {
				return inErr
			}
		}
		if err != nil {
			return err
		}
	}
}
