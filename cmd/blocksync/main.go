package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/bsv-blockchain/blocksync/daemon"
	"github.com/bsv-blockchain/blocksync/settings"
	"github.com/bsv-blockchain/blocksync/ulogger"
	"github.com/bsv-blockchain/blocksync/util"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/ordishs/gocore"
	"github.com/urfave/cli/v2"
)

// Name used by build script for the binaries. (Please keep on single line)
const progname = "blocksync"

// Version & commit strings injected at build with -ldflags -X...
var (
	version string
	commit  string
)

func main() {
	gocore.SetInfo(progname, version, commit)

	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    progname,
		Usage:   "keep a local chain in sync with the heaviest chain of its peers",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Action:  runDaemon,
		Commands: []*cli.Command{
			{
				Name:   "daemon",
				Usage:  "run the sync node (default)",
				Action: runDaemon,
			},
			{
				Name:   "status",
				Usage:  "print the sync progress of a running node",
				Action: printStatus,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "address",
						Usage: "status HTTP address of the node, defaults to status_httpListenAddress",
					},
					&cli.StringFlag{
						Name:  "path",
						Usage: "endpoint to query: status, progress, peers or services",
						Value: "progress",
					},
				},
			},
			{
				Name:   "keygen",
				Usage:  "generate a p2p_privateKey value and print the peer ID it gives",
				Action: keygen,
			},
		},
	}
}

func runDaemon(_ *cli.Context) error {
	tSettings := settings.NewSettings()

	logger := ulogger.New(progname, ulogger.WithLevel(tSettings.LogLevel), ulogger.WithLoggerType(tSettings.LoggerType))
	logger.Infof("VERSION\n-------\n%s (%s)\n", version, commit)

	d := daemon.New(daemon.WithLoggerFactory(func(serviceName string) ulogger.Logger {
		return ulogger.New(serviceName, ulogger.WithLevel(tSettings.LogLevel), ulogger.WithLoggerType(tSettings.LoggerType))
	}))

	if err := d.Start(tSettings); err != nil {
		return err
	}

	logger.Infof("all services ready")

	return d.Wait()
}

func printStatus(c *cli.Context) error {
	address := c.String("address")
	if address == "" {
		address = settings.NewSettings().Status.HTTPListenAddress
	}

	if address != "" && address[0] == ':' {
		address = "localhost" + address
	}

	body, err := util.DoHTTPRequest(c.Context, fmt.Sprintf("http://%s/api/v1/%s", address, c.String("path")))
	if err != nil {
		return err
	}

	_, err = c.App.Writer.Write(body)

	return err
}

func keygen(c *cli.Context) error {
	privateKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return err
	}

	raw, err := privateKey.Raw()
	if err != nil {
		return err
	}

	id, err := peer.IDFromPrivateKey(privateKey)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "p2p_privateKey=%s\n", hex.EncodeToString(raw))
	fmt.Fprintf(c.App.Writer, "peer ID: %s\n", id)

	return nil
}
