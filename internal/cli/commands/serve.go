// Copyright 2025 DedupFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dedupfs/internal/daemon"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve [directory]",
	Short: "Serve a store over NFS",
	Long: `Serve the dedup view of a store over NFSv3 on a TCP port.
Mount it with the OS NFS client, for example:

  mount -o port=<port>,mountport=<port>,tcp,nolocks,vers=3 localhost:/ /mnt/point

The server holds the store lock until it exits.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	targetDir := "."
	if len(args) > 0 {
		targetDir = args[0]
	}
	root, err := filepath.Abs(targetDir)
	if err != nil {
		return err
	}

	store, err := daemon.OpenStore(root)
	if err != nil {
		return err
	}
	defer store.Close()

	server := daemon.NewNFSServer(store)
	addr := store.Config.Listen
	if serveListen != "" {
		addr = serveListen
	}
	if err := server.Listen(addr); err != nil {
		return err
	}
	fmt.Printf("Serving %s on %s\n", root, server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig.String()).Info("shutting down")
		server.Shutdown()
	}()

	if err := server.Serve(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
