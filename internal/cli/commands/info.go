package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"dedupfs/internal/blockstore"
	"dedupfs/internal/daemon"
)

var infoCmd = &cobra.Command{
	Use:   "info [directory]",
	Short: "Show store statistics",
	Long: `Print block size, file and block counts, and the space saved by
deduplication (logical bytes versus bytes actually stored).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
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

	stats, err := store.Index().Stats(cmd.Context())
	if err != nil {
		return err
	}

	var storedBytes int64
	if err := store.BlockStore().Walk(func(_ blockstore.Hash, size int64) error {
		storedBytes += size
		return nil
	}); err != nil {
		return err
	}

	fmt.Printf("Store:          %s\n", root)
	fmt.Printf("Block size:     %d bytes\n", store.Index().BlockSize())
	fmt.Printf("Files:          %d\n", stats.FileCount)
	fmt.Printf("Unique blocks:  %d\n", stats.BlockCount)
	fmt.Printf("Block refs:     %d\n", stats.TotalRefs)
	fmt.Printf("Logical bytes:  %d\n", stats.LogicalBytes)
	fmt.Printf("Stored bytes:   %d\n", storedBytes)
	if stats.LogicalBytes > 0 {
		saved := stats.LogicalBytes - storedBytes
		fmt.Printf("Saved:          %d bytes (%.1f%%)\n", saved,
			100*float64(saved)/float64(stats.LogicalBytes))
	}
	if len(store.Config.Passthrough) > 0 {
		fmt.Printf("Passthrough:    %v\n", store.Config.Passthrough)
	}
	return nil
}
