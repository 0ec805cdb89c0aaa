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
	imagesNoHighres bool
	imagesNoRefresh bool
	imagesTrim      bool
	imagesPageSize  int
)

// renditionWidths are the production rendition edge lengths: the listing
// thumbnail and the detail-view image.
var renditionWidths = []int{130, 1300}

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Warm the image proxy cache for product media",
	Long: `Lists all catalog products, picks the primary storage-backed media asset
of each (deduplicated by storage ID), and pulls the production renditions
through the image proxy so they are rendered and cached before customers
ask for them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := inventory.NewClient(cfg.API, logger)

		logger.Plain().WithRun("image").Info("listing catalog products")

		products, err := client.Products(context.Background(), imagesPageSize)
		if err != nil {
			return fmt.Errorf("list products: %w", err)
		}
		if len(products) == 0 {
			return fmt.Errorf("catalog returned no products")
		}

		refs := inventory.CollectMedia(products)
		if len(refs) == 0 {
			return fmt.Errorf("no storage-backed media found across %d products", len(products))
		}

		widths := renditionWidths
		if imagesNoHighres {
			widths = widths[:1]
		}
		descs := renditionDescs(refs, widths, !imagesNoRefresh, imagesTrim)

		logger.Plain().WithRun("image").
			WithFields(map[string]any{
				"products":   len(products),
				"assets":     len(refs),
				"renditions": len(descs),
			}).
			Info("discovery complete")

		imageClient := warmer.NewImageClient(cfg.API)
		return runWarm("image", descs, imageClient.Perform, cfg.Warm.ImageTimeout)
	},
}

// renditionDescs expands every media asset into one descriptor per rendition
// width. Refresh is set on the first width of each asset only, so the proxy
// re-renders from source once and later sizes reuse it.
func renditionDescs(refs []inventory.MediaRef, widths []int, refresh, trim bool) []dispatch.Descriptor {
	descs := make([]dispatch.Descriptor, 0, len(refs)*len(widths))
	for _, ref := range refs {
		for i, w := range widths {
			descs = append(descs, warmer.RenditionWork{
				ProductID: ref.ProductID,
				StorageID: ref.StorageID,
				Params: warmer.RenditionParams{
					Width:   w,
					Height:  w,
					Quality: warmer.QualityFor(w),
					Format:  "webp",
					Refresh: refresh && i == 0,
					Trim:    trim,
				},
			})
		}
	}
	return descs
}

func init() {
	rootCmd.AddCommand(imagesCmd)

	imagesCmd.Flags().BoolVar(&imagesNoHighres, "no-highres", false, "skip the 1300px rendition")
	imagesCmd.Flags().BoolVar(&imagesNoRefresh, "no-refresh", false, "do not force the proxy to re-render from source")
	imagesCmd.Flags().BoolVar(&imagesTrim, "trim", false, "ask the proxy to trim surrounding whitespace")
	imagesCmd.Flags().IntVar(&imagesPageSize, "page-size", 1000, "catalog listing page size")
}
