// cmd/converge/root.go
package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	inventoryFlag string
	varsFlag      string
	verboseFlag   bool
)

var rootCmd = &cobra.Command{
	Use:           "converge",
	Short:         "Install Docker and baseline hardening on Ubuntu hosts",
	Long:          "Converge connects to a declared inventory of Ubuntu hosts over SSH (optionally through a forward proxy) and makes each host match the declared state: Docker packages, firewall rules, SSH policy, and service hardening.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&inventoryFlag, "inventory", "i", "inventory.yml", "inventory file")
	rootCmd.PersistentFlags().StringVar(&varsFlag, "vars", "vars.yml", "variables file")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "debug logging of every remote command")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print converge version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("converge", version)
	},
}
