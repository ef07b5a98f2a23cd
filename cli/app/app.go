package app

import (
	"fmt"
	"os"
	"runtime"

	"github.com/urfave/cli"

	"github.com/EdgeApp/edge-change-server-sub000/cli/server"
	"github.com/EdgeApp/edge-change-server-sub000/pkg/config"
)

func versionPrinter(c *cli.Context) {
	_, _ = fmt.Fprintf(c.App.Writer, "ChangeServer\nVersion: %s\nGoVersion: %s\n",
		config.Version,
		runtime.Version(),
	)
}

// New creates a changeserver instance of [cli.App] with all commands
// included.
func New() *cli.App {
	cli.VersionPrinter = versionPrinter
	ctl := cli.NewApp()
	ctl.Name = "changeserver"
	ctl.Version = config.Version
	ctl.Usage = "Address activity notifications for wallet clients"
	ctl.ErrWriter = os.Stdout

	ctl.Commands = append(ctl.Commands, server.NewCommands()...)
	return ctl
}
