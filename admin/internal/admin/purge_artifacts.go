// Package admin implements the operational commands behind the admin CLI.
package admin

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/statbase/cube/builder/pkg/filestore"
	"github.com/statbase/cube/builder/pkg/meta"
)

// PurgeArtifacts deletes stored cube files that no revision references.
// Orphans accumulate when a publish records the revision index but fails
// before recording the cube filename, and when retention rules change.
func PurgeArtifacts(ctx context.Context, log *slog.Logger, store *meta.Store, files filestore.Store, dryRun, skipConfirm bool) error {
	referenced, err := store.CubeFilenames(ctx)
	if err != nil {
		return fmt.Errorf("failed to list referenced cube filenames: %w", err)
	}

	keys, err := files.List(ctx, "datasets/")
	if err != nil {
		return fmt.Errorf("failed to list stored files: %w", err)
	}

	var orphans []string
	for _, key := range keys {
		parts := strings.Split(key, "/")
		// datasets/<dataset id>/cubes/<filename>
		if len(parts) != 4 || parts[0] != "datasets" || parts[2] != "cubes" {
			continue
		}
		if !referenced[parts[3]] {
			orphans = append(orphans, key)
		}
	}

	if len(orphans) == 0 {
		fmt.Println("No orphaned cube artifacts found")
		return nil
	}

	fmt.Printf("⚠️  WARNING: This will DELETE %d unreferenced cube artifact(s):\n\n", len(orphans))
	for _, key := range orphans {
		fmt.Printf("  - %s\n", key)
	}

	if dryRun {
		fmt.Println("\n[DRY RUN] Would delete the above artifacts")
		return nil
	}

	// Prompt for confirmation unless --yes flag is set
	if !skipConfirm {
		fmt.Printf("\n⚠️  This is a DESTRUCTIVE operation that cannot be undone!\n")
		fmt.Printf("Type 'yes' to confirm: ")

		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}

		response = strings.TrimSpace(strings.ToLower(response))
		if response != "yes" {
			fmt.Printf("\nConfirmation failed. Operation cancelled.\n")
			return nil
		}
		fmt.Println()
	}

	fmt.Println("Deleting artifacts...")
	for _, key := range orphans {
		if err := files.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
		fmt.Printf("  ✓ Deleted %s\n", key)
	}

	log.Info("admin: purge complete", "deleted", len(orphans))
	return nil
}
