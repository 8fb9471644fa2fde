package status

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/buger/goterm"
	"github.com/spf13/cobra"

	"github.com/sidkik/emsync/cmd/util"
	"github.com/sidkik/emsync/pkg/api"
	"github.com/sidkik/emsync/pkg/errors"
	"github.com/sidkik/emsync/pkg/registry"
)

// New creates a new `status` command.
func New() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "status <session id>",
		Short: "Print the transfers of a session",
		Long: "Print every rsync instance of a session, with its status and\n" +
			"how many of its files have been transferred.",
		Args: cobra.ExactArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			sessionID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				util.HandleFatalError(errors.NewFriendlyError(
					"The session id must be a number, not %q.", args[0]))
			}

			if err := run(api.NewClient(serverURL), sessionID); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", api.DefaultURL, "The URL of the emsync server")
	return cmd
}

func run(client *api.Client, sessionID int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	instances, err := client.Instances(ctx, sessionID)
	if err != nil {
		return errors.WithContext(err, "get instances")
	}

	if len(instances) == 0 {
		fmt.Printf("Session %d has no transfers.\n", sessionID)
		return nil
	}
	printInstances(os.Stdout, instances)
	return nil
}

func printInstances(w io.Writer, instances []registry.Instance) {
	out := tabwriter.NewWriter(w, 0, 10, 5, ' ', 0)
	defer out.Flush()

	fmt.Fprintln(out, "SOURCE\tTAG\tSTATUS\tTRANSFERRED\tSKIPPED")
	for _, inst := range instances {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%d\n", inst.Source, inst.Tag,
			statusString(inst), progress(inst), inst.FilesSkipped)
	}
}

func statusString(inst registry.Instance) string {
	status := inst.Status()
	msg := string(status)
	if inst.Error != "" {
		msg += ": " + inst.Error
	}

	color := goterm.BLACK
	switch status {
	case registry.StatusBroken:
		color = goterm.RED
	case registry.StatusPaused:
		color = goterm.YELLOW
	case registry.StatusTransferring, registry.StatusFinalised:
		color = goterm.GREEN
	}
	return goterm.Color(msg, color)
}

func progress(inst registry.Instance) string {
	if inst.FilesCounted == 0 {
		return fmt.Sprintf("%d", inst.FilesTransferred)
	}
	return fmt.Sprintf("%d/%d (%d%%)", inst.FilesTransferred, inst.FilesCounted,
		100*inst.FilesTransferred/inst.FilesCounted)
}
