// toolgatectl is the operational companion to the gateway: it inspects and
// prunes config backups, toggles chaos injection, and dumps the tool
// inventory of a running instance.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/common/version"
	"github.com/toolgate/toolgate/internal/gateway/configfile"
	"github.com/toolgate/toolgate/internal/gateway/fault"
)

// Exit codes.
const (
	exitOK         = 0
	exitFailure    = 1
	exitValidation = 2
	exitLockHeld   = 3
)

var (
	configPath string
	gatewayURL string
)

func main() {
	root := &cobra.Command{
		Use:           "toolgatectl",
		Short:         "Operate a toolgate gateway instance",
		Version:       version.Info(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config/.env", "path to the gateway config file")
	root.PersistentFlags().StringVar(&gatewayURL, "gateway", "http://localhost:8080", "base URL of the running gateway")

	root.AddCommand(backupsCmd(), chaosCmd(), inventoryCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, configfile.ErrLockHeld):
		return exitLockHeld
	case fault.KindOf(err) == fault.KindValidation || fault.KindOf(err) == fault.KindConfig:
		return exitValidation
	default:
		return exitFailure
	}
}

func openManager() (*configfile.Manager, error) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return configfile.NewManager(configPath, log)
}

func backupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Inspect and prune config backups",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			backups, err := m.Backups()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIMESTAMP\tREASON\tSIZE")
			for _, b := range backups {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
					b.ID, b.Timestamp.Format(time.RFC3339), b.Reason, b.Size)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "verify <id>",
		Short: "Check a backup's checksum and size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			if err := m.VerifyBackup(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup %s verified\n", args[0])
			return nil
		},
	})

	var keep int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete all but the newest backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep < 1 {
				return fault.New(fault.KindValidation, "--keep must be at least 1")
			}
			m, err := openManager()
			if err != nil {
				return err
			}
			removed, err := m.CleanupBackups(keep)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d backups, kept %d\n", removed, keep)
			return nil
		},
	}
	prune.Flags().IntVar(&keep, "keep", 5, "number of backups to keep")
	cmd.AddCommand(prune)

	return cmd
}

func chaosCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chaos on|off",
		Short: "Toggle chaos injection in the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch args[0] {
			case "on":
				on = true
			case "off":
				on = false
			default:
				return fault.New(fault.KindValidation, "argument must be on or off")
			}
			m, err := openManager()
			if err != nil {
				return err
			}
			backupID, err := m.ToggleChaos(on)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "chaos %s (backup %s)\n", args[0], backupID)
			return nil
		},
	}
	return cmd
}

func inventoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inventory",
		Short: "Dump the running gateway's tool inventory",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(gatewayURL + "/api/admin/inventory")
			if err != nil {
				return fmt.Errorf("reach gateway: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("gateway returned %d", resp.StatusCode)
			}
			var body struct {
				Tools []struct {
					Tool       string   `json:"tool"`
					Actions    []string `json:"actions"`
					Configured bool     `json:"configured"`
					Breaker    string   `json:"breaker"`
				} `json:"tools"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decode inventory: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tACTIONS\tCONFIGURED\tBREAKER")
			for _, t := range body.Tools {
				fmt.Fprintf(w, "%s\t%v\t%t\t%s\n", t.Tool, t.Actions, t.Configured, t.Breaker)
			}
			return w.Flush()
		},
	}
}
