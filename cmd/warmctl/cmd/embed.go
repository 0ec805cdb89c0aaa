package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arkturian/warmctl/internal/dispatch"
	"github.com/arkturian/warmctl/internal/inventory"
	"github.com/arkturian/warmctl/internal/warmer"
)

var (
	embedStart      int64
	embedEnd        int64
	embedCollection string
)

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Trigger AI embedding generation for objects missing analysis",
	Long: `Probes the storage API over an ID range, keeps the objects belonging to
the configured collection, and triggers embedding generation for every object
whose AI analysis is incomplete. Objects that already carry visual analysis,
product analysis and embedding info are left alone.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if embedEnd < embedStart {
			return fmt.Errorf("--end (%d) must be >= --start (%d)", embedEnd, embedStart)
		}
		collection := cfg.API.Collection
		if cmd.Flags().Changed("collection") {
			collection = embedCollection
		}

		client := inventory.NewClient(cfg.API, logger)

		logger.Plain().WithRun("embed").
			WithFields(map[string]any{
				"start":      embedStart,
				"end":        embedEnd,
				"collection": collection,
			}).
			Info("scanning for objects missing analysis")

		objects, err := client.ScanRange(context.Background(), embedStart, embedEnd, collection)
		if err != nil {
			return fmt.Errorf("scan objects: %w", err)
		}
		if len(objects) == 0 {
			return fmt.Errorf("no objects found in range %d-%d for collection %q", embedStart, embedEnd, collection)
		}

		descs := missingEmbedDescs(objects)

		logger.Plain().WithRun("embed").
			WithFields(map[string]any{
				"objects": len(objects),
				"missing": len(descs),
			}).
			Info("discovery complete")

		if len(descs) == 0 {
			logger.Plain().WithRun("embed").Info("all objects already analyzed, nothing to do")
			return nil
		}

		embedClient := warmer.NewEmbedClient(cfg.API)
		return runWarm("embed", descs, embedClient.Perform, cfg.Warm.EmbedTimeout)
	},
}

// missingEmbedDescs keeps the objects whose AI analysis is incomplete and
// wraps them as embed work, preserving scan order.
func missingEmbedDescs(objects []*inventory.Object) []dispatch.Descriptor {
	var descs []dispatch.Descriptor
	for _, obj := range objects {
		if obj.HasFullAnalysis() {
			continue
		}
		descs = append(descs, warmer.EmbedWork{ObjectID: obj.ID})
	}
	return descs
}

func init() {
	rootCmd.AddCommand(embedCmd)

	embedCmd.Flags().Int64Var(&embedStart, "start", 3800, "first object ID to probe")
	embedCmd.Flags().Int64Var(&embedEnd, "end", 5000, "last object ID to probe (inclusive)")
	embedCmd.Flags().StringVar(&embedCollection, "collection", "", "collection to keep (default from config)")
}
