package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/santaclaude2025/storesync/pkg/replication"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Run a one-shot audit and pull for every collection",
	Long: `Fetch the remote identifier set for each configured collection, prune
local documents deleted remotely, and pull any documents missing locally.
Exits after one full pass instead of polling.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAudit()
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
}

func runAudit() error {
	eng, err := openEngine()
	if err != nil {
		return err
	}
	defer eng.close()

	ctx := context.Background()
	if err := eng.waitForBackend(ctx); err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}

	states, err := eng.states()
	if err != nil {
		return err
	}

	var failed bool
	for name, r := range states {
		if err := r.RunAudit(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "%s: audit failed: %v\n", name, err)
			failed = true
			continue
		}
		// Pull batches until the unsynced set is drained. LocalIDs updates
		// asynchronously after each upsert, so wait for the set to shrink
		// and stop when a pass makes no progress.
		for {
			remaining := len(r.UnsyncedRemoteIDs())
			if remaining == 0 {
				break
			}
			if err := r.NextPage(ctx, nil); err != nil {
				fmt.Fprintf(os.Stderr, "%s: pull failed: %v\n", name, err)
				failed = true
				break
			}
			if !waitForProgress(r, remaining) {
				break
			}
		}
		fmt.Fprintf(os.Stderr, "%s: %d remote, %d local\n",
			name, len(r.RemoteIDs.Value()), len(r.LocalIDs.Value()))
	}

	if failed {
		return fmt.Errorf("audit completed with errors")
	}
	return nil
}

// waitForProgress waits briefly for the unsynced set to drop below prev,
// reporting whether it did.
func waitForProgress(r *replication.State, prev int) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(r.UnsyncedRemoteIDs()) < prev {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}
