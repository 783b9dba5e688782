// Package cli wires configuration, storage, signaling and the transfer
// manager into the dragnshare command line.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"dragnshare/config"
	"dragnshare/storage"
)

type app struct {
	dataDirFlag  string
	relayFlag    string
	sessionFlag  string
	tokenFlag    string
	logLevelFlag string

	cfg     *config.PeerConfig
	cfgPath string
	dataDir string
	store   *storage.Store

	stdout io.Writer
	stderr io.Writer
}

// Execute runs the dragnshare command line.
func Execute() error {
	root, a := newRootCmd(os.Stdout, os.Stderr)
	err := root.Execute()
	if closeErr := a.close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func newRootCmd(stdout, stderr io.Writer) (*cobra.Command, *app) {
	a := &app{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:          "dragnshare",
		Short:        "Share files between peers over an encrypted chunked transfer",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.dataDirFlag, "data-dir", "", "data directory (default $"+config.DataDirEnv+" or the OS config dir)")
	flags.StringVar(&a.relayFlag, "relay", "", "relay websocket URL, e.g. ws://127.0.0.1:7879/ws")
	flags.StringVar(&a.sessionFlag, "session", "", "session name shared by both peers")
	flags.StringVar(&a.tokenFlag, "token", "", "bearer token sent to the relay and in every envelope")
	flags.StringVar(&a.logLevelFlag, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(
		relayCmd(a),
		relaysCmd(a),
		shareCmd(a),
		serveCmd(a),
		sharedCmd(a),
		unshareCmd(a),
		getCmd(a),
		transfersCmd(a),
	)
	return root, a
}

func (a *app) open() error {
	var err error
	if a.dataDirFlag != "" {
		a.dataDir = a.dataDirFlag
		a.cfg, a.cfgPath, err = config.LoadOrCreateIn(a.dataDir)
	} else {
		a.cfg, a.cfgPath, a.dataDir, err = config.LoadOrCreate()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if a.relayFlag != "" {
		a.cfg.RelayURL = a.relayFlag
	}
	if s := strings.TrimSpace(a.sessionFlag); s != "" {
		a.cfg.Session = s
	}
	if a.tokenFlag != "" {
		a.cfg.Token = a.tokenFlag
	}
	if a.logLevelFlag != "" {
		a.cfg.LogLevel = config.NormalizeLogLevel(a.logLevelFlag)
	}
	setupLogging(a.stderr, a.cfg.LogLevel)

	store, _, err := storage.Open(a.dataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.store = store
	return nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}
