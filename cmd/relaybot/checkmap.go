package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaybot-data/relaybot/internal/gridmap"
)

var checkMapCmd = &cobra.Command{
	Use:   "check-map <file>",
	Short: "Validate a map file and print its dimensions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		m, err := gridmap.Load(args[0])
		if err != nil {
			return fmt.Errorf("map rejected: %w", err)
		}

		cols, rows := m.Size()
		ox, oy := m.Origin()
		fmt.Printf("map ok: %dx%d cells at %.3f m/cell, origin (%.2f, %.2f)\n",
			cols, rows, m.Resolution(), ox, oy)

		occupied := 0
		for cy := 0; cy < rows; cy++ {
			for cx := 0; cx < cols; cx++ {
				if m.At(cx, cy) == gridmap.CellOccupied {
					occupied++
				}
			}
		}
		fmt.Printf("occupied cells: %d (%.1f%%)\n", occupied, 100*float64(occupied)/float64(cols*rows))
		return nil
	},
}
