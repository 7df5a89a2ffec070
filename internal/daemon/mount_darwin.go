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

//go:build darwin

package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	log "github.com/sirupsen/logrus"
)

// Mount attaches the NFS export at 127.0.0.1:port to mountPoint using
// mount_nfs. noac keeps changes immediately visible; soft,timeo=50,
// retrans=3 bounds how long the kernel waits on a dead server, so a
// crashed daemon never leaves a mount only a reboot can clear. nobrowse
// keeps Finder and Spotlight off the mount.
func Mount(port int, mountPoint string) error {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}

	cmd := exec.Command("mount_nfs",
		"-o", fmt.Sprintf("port=%d,mountport=%d,tcp,nolocks,vers=3,rsize=65536,wsize=65536,noac,soft,timeo=50,retrans=3,nobrowse", port, port),
		"localhost:/",
		mountPoint,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mount_nfs failed: %w: %s", err, string(output))
	}
	log.WithField("mount_point", mountPoint).Debug("mounted NFS share")
	return nil
}

// unmountTimeout bounds each unmount attempt. The kernel NFS client can
// block umount while waiting on a server that already went away.
const unmountTimeout = 3 * time.Second

// Unmount detaches mountPoint, escalating from diskutil to umount to
// umount -f. Unmounting something that is not mounted is a no-op.
func Unmount(mountPoint string) error {
	attempts := [][]string{
		{"diskutil", "unmount", mountPoint},
		{"umount", mountPoint},
		{"umount", "-f", mountPoint},
	}

	var lastErr error
	for _, argv := range attempts {
		ctx, cancel := context.WithTimeout(context.Background(), unmountTimeout)
		output, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
		cancel()
		if err == nil {
			log.WithField("mount_point", mountPoint).Debug("unmounted")
			return nil
		}
		lastErr = fmt.Errorf("%s failed: %w: %s", argv[0], err, string(output))
		log.WithField("mount_point", mountPoint).WithError(lastErr).Debug("unmount attempt failed")
	}
	return fmt.Errorf("all unmount attempts failed for %s: %w", mountPoint, lastErr)
}
