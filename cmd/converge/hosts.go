// cmd/converge/hosts.go
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/reza-ameri/converge/internal/inventory"
	"github.com/reza-ameri/converge/internal/ui"
)

var hostsLimitFlag string

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "List inventory hosts after applying --limit",
	RunE: func(cmd *cobra.Command, args []string) error {
		inv, err := inventory.Load(inventoryFlag)
		if err != nil {
			return err
		}
		inv, err = inv.Limit(splitList(hostsLimitFlag))
		if err != nil {
			return err
		}

		ui.Header("Hosts")
		fmt.Printf("\n  %-16s %-22s %s\n", "ALIAS", "ADDRESS", "PROXY")
		fmt.Printf("  %-16s %-22s %s\n", "-----", "-------", "-----")
		for _, h := range inv.Hosts {
			proxy := h.ProxyRef
			if proxy == "" {
				proxy = "-"
			}
			fmt.Printf("  %-16s %-22s %s\n", h.Alias, fmt.Sprintf("%s:%d", h.Address, h.Port), proxy)
		}
		fmt.Println()
		return nil
	},
}

func init() {
	hostsCmd.Flags().StringVarP(&hostsLimitFlag, "limit", "l", "", "comma-separated host aliases")
	rootCmd.AddCommand(hostsCmd)
}
