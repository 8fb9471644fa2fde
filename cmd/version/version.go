package version

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/emsync/cmd/util"
	"github.com/sidkik/emsync/pkg/api"
	"github.com/sidkik/emsync/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the local and remote version of emsync.",
		Long: "Print the local version of emsync and the version running\n" +
			"on the server, as a git commit hash.",
		Run: func(_ *cobra.Command, args []string) {
			if err := run(api.NewClient(serverURL)); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", api.DefaultURL, "The URL of the emsync server")
	return cmd
}

func run(client *api.Client) error {
	fmt.Printf("local version:  %s\n", version.Version)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	remoteVersion, err := client.Version(ctx)
	if err != nil {
		log.WithError(err).Debug("Failed to get server version")
		fmt.Println("server version: unavailable")
		return nil
	}

	fmt.Printf("server version: %s\n", remoteVersion)
	return nil
}
