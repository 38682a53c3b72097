package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"

	"github.com/labring/lima-bridge/pkg/client"
	"github.com/labring/lima-bridge/pkg/lima"
	"github.com/labring/lima-bridge/pkg/opcache"
	"github.com/labring/lima-bridge/pkg/oplog"
)

var (
	stderrStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F9E2AF"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#F38BA8")).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A6E3A1")).Bold(true)
)

// errOperationFailed is returned when the operation ended with an error event.
var errOperationFailed = errors.New("operation failed")

// runOperation triggers an operation and follows it through a local
// operation cache fed by the server's event stream.
func runOperation(ctx context.Context, c *client.Client, w io.Writer, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	kind, err := oplog.ParseKind(args[0])
	if err != nil {
		return err
	}
	name := args[1]
	if err := lima.ValidateName(name); err != nil {
		return err
	}

	stream, err := c.Events(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	cache := opcache.New(stream.Bus())
	defer cache.Close()

	key := oplog.Key{Kind: kind, Resource: name}
	obs, err := cache.Subscribe(key, nil)
	if err != nil {
		return err
	}
	defer obs.Close()

	// The server does not replay history, so subscribe before triggering.
	if err := stream.SubscribeOperation(ctx, kind); err != nil {
		return err
	}
	if _, err := c.TriggerOperation(ctx, kind, name); err != nil {
		return err
	}

	return follow(ctx, obs, stream.Done(), stream.Err, &transcript{w: w})
}

// follow renders every update of obs until the operation is terminal.
func follow(ctx context.Context, obs *opcache.Observer, streamDone <-chan struct{}, streamErr func() error, t *transcript) error {
	for {
		select {
		case <-obs.Updates():
			state := obs.State()
			t.render(state)
			if state.Succeeded() {
				return nil
			}
			if state.Failed() {
				return fmt.Errorf("%s: %w", obs.Key(), errOperationFailed)
			}
		case <-streamDone:
			return streamErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// transcript prints the part of a state it has not printed yet. Buffers
// only grow while an operation runs, so a count per buffer is enough.
type transcript struct {
	w                      io.Writer
	stdout, stderr, failed int
	done                   bool
}

func (t *transcript) render(state oplog.State) {
	for _, e := range state.Stdout[min(t.stdout, len(state.Stdout)):] {
		fmt.Fprintln(t.w, e.Message)
	}
	for _, e := range state.Stderr[min(t.stderr, len(state.Stderr)):] {
		fmt.Fprintln(t.w, stderrStyle.Render(e.Message))
	}
	for _, e := range state.Error[min(t.failed, len(state.Error)):] {
		fmt.Fprintln(t.w, errorStyle.Render(e.Message))
	}
	t.stdout, t.stderr, t.failed = len(state.Stdout), len(state.Stderr), len(state.Error)

	if state.Succeeded() && !t.done {
		t.done = true
		fmt.Fprintln(t.w, successStyle.Render("done"))
	}
}

func runInstances(ctx context.Context, c *client.Client, w io.Writer) error {
	resp, err := c.ListInstances(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tVMTYPE\tARCH\tCPUS\tMEMORY\tDISK\tSSH")
	for _, inst := range resp.Instances {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%d\n",
			inst.Name, inst.Status, inst.VMType, inst.Arch, inst.CPUs,
			formatBytes(inst.Memory), formatBytes(inst.Disk), inst.SSHLocalPort)
	}
	return tw.Flush()
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
