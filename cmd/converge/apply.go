// cmd/converge/apply.go
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/reza-ameri/converge/internal/config"
	"github.com/reza-ameri/converge/internal/fanout"
	"github.com/reza-ameri/converge/internal/graph"
	"github.com/reza-ameri/converge/internal/inventory"
	"github.com/reza-ameri/converge/internal/logging"
	"github.com/reza-ameri/converge/internal/transport"
	"github.com/reza-ameri/converge/internal/ui"
)

var (
	limitFlag string
	tagsFlag  string
	forksFlag int
	localFlag bool
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Converge hosts to the declared state",
	RunE: func(cmd *cobra.Command, args []string) error {
		logging.Setup(verboseFlag)

		cfg, err := config.Load(varsFlag)
		if err != nil {
			return err
		}
		if cfg.ProxyUser != "" && cfg.ProxyPass == "" {
			pass, err := config.PromptSecret("proxy password for " + cfg.ProxyUser)
			if err != nil {
				return err
			}
			cfg.ProxyPass = pass
		}

		inv, err := inventory.Load(inventoryFlag)
		if err != nil {
			return err
		}
		inv, err = inv.Limit(splitList(limitFlag))
		if err != nil {
			return err
		}

		tasks, err := graph.Build(splitList(tagsFlag))
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ui.Header(fmt.Sprintf("Converging %d host(s)...", len(inv.Hosts)))
		run := fanout.Run(ctx, inv.Hosts, cfg, tasks, forksFlag, dialer(inv, cfg))
		ui.Summary(run)

		if run.Failed() {
			return errors.New("one or more hosts failed to converge")
		}
		ui.Result("All hosts converged")
		return nil
	},
}

func init() {
	applyCmd.Flags().StringVarP(&limitFlag, "limit", "l", "", "comma-separated host aliases to run against")
	applyCmd.Flags().StringVarP(&tagsFlag, "tags", "t", "", "comma-separated task tags (docker, hardening)")
	applyCmd.Flags().IntVar(&forksFlag, "forks", fanout.DefaultForks, "maximum hosts converged in parallel")
	applyCmd.Flags().BoolVar(&localFlag, "local", false, "run against this machine instead of SSH")
	rootCmd.AddCommand(applyCmd)
}

// dialer builds the per-host transport: local for --local, SSH (direct or
// proxied) otherwise. Host-level settings win over the variables file.
func dialer(inv *inventory.Inventory, cfg *config.Config) fanout.DialFunc {
	return func(h inventory.Host) (transport.Transport, error) {
		proxyURL := inv.ProxyURL(h, cfg.ProxyURL())
		if localFlag {
			return transport.NewLocal(proxyURL), nil
		}

		user := h.User
		if user == "" {
			user = cfg.SSHUser
		}
		keyFile := h.KeyFile
		if keyFile == "" {
			keyFile = cfg.SSHPrivateKeyFile
		}
		return transport.DialSSH(transport.Options{
			Alias:   h.Alias,
			Address: h.Address,
			Port:    h.Port,
			User:    user,
			KeyFile: expandHome(keyFile),
			Proxy:   proxyURL,
		})
	}
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}
