// Command ddsnapctl is a control-socket client for ddsnapd: it lists and
// manages snapshots and reports store status from the command line.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ddsnap/ddsnap/internal/cliout"
	"github.com/ddsnap/ddsnap/pkg/snapstore/protocol"
	"github.com/ddsnap/ddsnap/pkg/snapstore/protoclient"
)

const usage = `ddsnapctl - control client for ddsnapd

Usage:
  ddsnapctl status [-socket path] [-output table|json|yaml]
  ddsnapctl snapshots list [-socket path] [-output table|json|yaml]
  ddsnapctl snapshots create -tag N [-priority N] [-socket path]
  ddsnapctl snapshots delete -tag N [-socket path]
  ddsnapctl snapshots priority -tag N -priority N [-socket path]
  ddsnapctl snapshots usecount -tag N -count N [-socket path]
  ddsnapctl shutdown [-socket path]

Flags:
`

func main() {
	if len(os.Args) < 2 {
		fail(usage)
	}
	switch os.Args[1] {
	case "status":
		runStatus(os.Args[2:])
	case "snapshots":
		runSnapshots(os.Args[2:])
	case "shutdown":
		runShutdown(os.Args[2:])
	case "-h", "-help", "--help":
		fail(usage)
	default:
		fail(usage)
	}
}

func fail(msg string) {
	fmt.Fprint(os.Stderr, msg)
	flag.CommandLine.SetOutput(os.Stderr)
	flag.PrintDefaults()
	os.Exit(2)
}

func die(err error) {
	fmt.Fprintf(os.Stderr, "ddsnapctl: %v\n", err)
	os.Exit(1)
}

// commonFlags registers the -socket and -output flags shared by every
// subcommand and returns pointers to their values.
func commonFlags(fs *flag.FlagSet) (socket *string, output *string) {
	socket = fs.String("socket", "/var/run/ddsnapd.ctl", "ddsnapd control socket path")
	output = fs.String("output", "table", "output format: table, json, yaml")
	return
}

func printer(format string) *cliout.Printer {
	f, err := cliout.ParseFormat(format)
	if err != nil {
		die(err)
	}
	return cliout.NewPrinter(os.Stdout, f)
}

type statusRow protocol.StatusReply

func (s statusRow) Headers() []string { return []string{"FIELD", "VALUE"} }
func (s statusRow) Rows() [][]string {
	return [][]string{
		{"metadata_used", fmt.Sprint(s.MetadataUsed)},
		{"metadata_total", fmt.Sprint(s.MetadataTotal)},
		{"snapdata_used", fmt.Sprint(s.SnapDataUsed)},
		{"snapdata_total", fmt.Sprint(s.SnapDataTotal)},
		{"dirty_buffers", fmt.Sprint(s.DirtyBuffers)},
		{"journal_sequence", fmt.Sprint(s.JournalSequence)},
		{"snap_lock_depth", fmt.Sprint(s.SnapLockDepth)},
		{"live_snapshots", fmt.Sprint(s.LiveSnapshots)},
	}
}

func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	socket, output := commonFlags(fs)
	fs.Parse(args)

	c, err := protoclient.Dial(*socket, "ddsnapctl")
	if err != nil {
		die(err)
	}
	defer c.Close()

	st, err := c.Status()
	if err != nil {
		die(err)
	}
	if err := printer(*output).Print(statusRow(st)); err != nil {
		die(err)
	}
}

type snapshotRows []protocol.SnapshotInfo

func (s snapshotRows) Headers() []string { return []string{"TAG", "PRIORITY", "USECOUNT", "CREATED"} }
func (s snapshotRows) Rows() [][]string {
	rows := make([][]string, len(s))
	for i, snap := range s {
		rows[i] = []string{
			fmt.Sprint(snap.Tag),
			fmt.Sprint(snap.Priority),
			fmt.Sprint(snap.UseCount),
			time.Unix(snap.CTime, 0).UTC().Format(time.RFC3339),
		}
	}
	return rows
}

func runSnapshots(args []string) {
	if len(args) < 1 {
		fail(usage)
	}
	switch args[0] {
	case "list":
		runSnapshotsList(args[1:])
	case "create":
		runSnapshotsCreate(args[1:])
	case "delete":
		runSnapshotsDelete(args[1:])
	case "priority":
		runSnapshotsPriority(args[1:])
	case "usecount":
		runSnapshotsUsecount(args[1:])
	default:
		fail(usage)
	}
}

func runSnapshotsList(args []string) {
	fs := flag.NewFlagSet("snapshots list", flag.ExitOnError)
	socket, output := commonFlags(fs)
	fs.Parse(args)

	c, err := protoclient.Dial(*socket, "ddsnapctl")
	if err != nil {
		die(err)
	}
	defer c.Close()

	snaps, err := c.ListSnapshots()
	if err != nil {
		die(err)
	}
	if err := printer(*output).Print(snapshotRows(snaps)); err != nil {
		die(err)
	}
}

func runSnapshotsCreate(args []string) {
	fs := flag.NewFlagSet("snapshots create", flag.ExitOnError)
	socket, _ := commonFlags(fs)
	tag := fs.Uint("tag", 0, "snapshot tag")
	priority := fs.Int("priority", 0, "eviction priority (-128..127)")
	fs.Parse(args)

	c, err := protoclient.Dial(*socket, "ddsnapctl")
	if err != nil {
		die(err)
	}
	defer c.Close()

	if err := c.CreateSnapshot(uint32(*tag), int8(*priority)); err != nil {
		die(err)
	}
	fmt.Printf("snapshot %d created\n", *tag)
}

func runSnapshotsDelete(args []string) {
	fs := flag.NewFlagSet("snapshots delete", flag.ExitOnError)
	socket, _ := commonFlags(fs)
	tag := fs.Uint("tag", 0, "snapshot tag")
	fs.Parse(args)

	c, err := protoclient.Dial(*socket, "ddsnapctl")
	if err != nil {
		die(err)
	}
	defer c.Close()

	if err := c.DeleteSnapshot(uint32(*tag)); err != nil {
		die(err)
	}
	fmt.Printf("snapshot %d deleted\n", *tag)
}

func runSnapshotsPriority(args []string) {
	fs := flag.NewFlagSet("snapshots priority", flag.ExitOnError)
	socket, _ := commonFlags(fs)
	tag := fs.Uint("tag", 0, "snapshot tag")
	priority := fs.Int("priority", 0, "new eviction priority")
	fs.Parse(args)

	c, err := protoclient.Dial(*socket, "ddsnapctl")
	if err != nil {
		die(err)
	}
	defer c.Close()

	if err := c.SetPriority(uint32(*tag), int8(*priority)); err != nil {
		die(err)
	}
}

func runSnapshotsUsecount(args []string) {
	fs := flag.NewFlagSet("snapshots usecount", flag.ExitOnError)
	socket, _ := commonFlags(fs)
	tag := fs.Uint("tag", 0, "snapshot tag")
	count := fs.Uint("count", 0, "new usecount")
	fs.Parse(args)

	c, err := protoclient.Dial(*socket, "ddsnapctl")
	if err != nil {
		die(err)
	}
	defer c.Close()

	if err := c.SetUsecount(uint32(*tag), uint32(*count)); err != nil {
		die(err)
	}
}

func runShutdown(args []string) {
	fs := flag.NewFlagSet("shutdown", flag.ExitOnError)
	socket, _ := commonFlags(fs)
	fs.Parse(args)

	c, err := protoclient.Dial(*socket, "ddsnapctl")
	if err != nil {
		die(err)
	}
	defer c.Close()

	if err := c.Shutdown(); err != nil {
		die(err)
	}
}
