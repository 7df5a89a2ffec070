package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"dedupfs/internal/daemon"
)

var gcCmd = &cobra.Command{
	Use:   "gc [directory]",
	Short: "Reclaim orphaned blocks",
	Long: `Scan the block store for blocks no file references and delete them.
Orphans are left behind when a crash interrupts block reclamation; they
waste space but are otherwise harmless.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGC,
}

func init() {
	rootCmd.AddCommand(gcCmd)
}

func runGC(cmd *cobra.Command, args []string) error {
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

	res, err := store.GC(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Scanned %d blocks: %d live, %d reclaimed (%d bytes freed)\n",
		res.Scanned, res.Live, res.Reclaimed, res.FreedBytes)
	return nil
}
