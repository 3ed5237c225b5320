package main

import (
	"context"
	"fmt"
	"time"

	datadash "github.com/Project-Bois/DataDash-codes"
	"github.com/spf13/cobra"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List receivers on the local network",
	Long: `Broadcast discovery probes and print every receiver that answers.

Probing stops after 120 probes, after --timeout, or on Ctrl-C.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := createContext()
		defer cancel()
		if discoverTimeout > 0 {
			var stop context.CancelFunc
			ctx, stop = context.WithTimeout(ctx, discoverTimeout)
			defer stop()
		}

		d, err := datadash.NewSender(datadash.NewOptions(cfg)).Discover()
		if err != nil {
			return err
		}
		defer d.Stop()

		fmt.Println("Searching for receivers...")
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-d.Done():
				if d.List.Len() == 0 {
					fmt.Println("No receivers found")
				}
				return nil
			case c := <-d.List.Updates():
				fmt.Printf("%-24s %s\n", c.DisplayName, c.Address)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", 0, "stop searching after this long (default: until probing ends)")
}
