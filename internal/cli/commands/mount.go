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

var mountStoreDir string

var mountCmd = &cobra.Command{
	Use:   "mount [mount-point]",
	Short: "Serve a store over NFS and mount it",
	Long: `Serve the dedup view of a store over NFS and mount it at the given
directory (or the mount_point from the store config). The command runs
until interrupted; on SIGINT or SIGTERM the mount is detached before
the server shuts down.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runMount,
}

func init() {
	mountCmd.Flags().StringVar(&mountStoreDir, "store", ".", "store directory")
	rootCmd.AddCommand(mountCmd)
}

func runMount(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(mountStoreDir)
	if err != nil {
		return err
	}

	store, err := daemon.OpenStore(root)
	if err != nil {
		return err
	}
	defer store.Close()

	mountPoint := store.Config.MountPoint
	if len(args) > 0 {
		mountPoint = args[0]
	}
	if mountPoint == "" {
		return fmt.Errorf("no mount point given and none configured in %s", daemon.ConfigPath(root))
	}
	mountPoint, err = filepath.Abs(mountPoint)
	if err != nil {
		return err
	}

	server := daemon.NewNFSServer(store)
	if err := server.Listen(store.Config.Listen); err != nil {
		return err
	}
	tcpAddr, ok := server.Addr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("unexpected listen address %v", server.Addr())
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve() }()

	if err := daemon.Mount(tcpAddr.Port, mountPoint); err != nil {
		server.Shutdown()
		<-serveErr
		return err
	}
	fmt.Printf("Mounted %s at %s (NFS on %s)\n", root, mountPoint, server.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-serveErr:
		// Server died under the mount; detach before reporting.
		if umErr := daemon.Unmount(mountPoint); umErr != nil {
			log.WithError(umErr).Warn("failed to unmount after server error")
		}
		return err
	}

	// Unmount first so the kernel client disconnects cleanly, then stop
	// the server.
	if err := daemon.Unmount(mountPoint); err != nil {
		log.WithError(err).Warn("failed to unmount")
	}
	server.Shutdown()
	if err := <-serveErr; err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
