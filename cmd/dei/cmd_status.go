package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pixperk/deisync/client"
	"github.com/pixperk/deisync/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the server's current cycle",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client.New(cfg.Server.BaseURL, client.WithLogger(logger.Named("client")))
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.GetRequestTimeout())
		defer cancel()

		rings, err := c.FetchRings(ctx)
		if err != nil {
			return err
		}
		sort.Slice(rings, func(i, j int) bool { return rings[i].SlotIndex < rings[j].SlotIndex })

		used := make(map[types.SlotIndex]struct{})
		for _, slot := range types.Slots(rings) {
			used[slot] = struct{}{}
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "[CYCLE] rings=%d/%d free=%d\n", len(rings), cfg.Capacity, cfg.Capacity-len(used))
		for _, r := range rings {
			fmt.Fprintf(out, "[RING] slot=%2d user=%s count=%d id=%s\n", r.SlotIndex, r.OwnerUser, r.SequenceCount, r.ID)
		}
		return nil
	},
}
