package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stevennyman/webbt/internal/config"
	"github.com/stevennyman/webbt/internal/storage"
)

// devicesCmd represents the devices command
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List or revoke an origin's device grants",
	Long: `List the devices a web origin has been granted access to, or revoke a
grant with --forget. Reads the same storage backend the running hub uses.`,
	RunE: runDevices,
}

var (
	devicesOrigin string
	devicesFormat string
	devicesForget string
)

func init() {
	devicesCmd.Flags().StringVarP(&devicesOrigin, "origin", "o", "", "Web origin to inspect (required)")
	devicesCmd.Flags().StringVarP(&devicesFormat, "format", "f", "table", "Output format (table, json)")
	devicesCmd.Flags().StringVar(&devicesForget, "forget", "", "Device identifier to revoke")
	_ = devicesCmd.MarkFlagRequired("origin")
}

func runDevices(cmd *cobra.Command, args []string) error {
	if devicesFormat != "table" && devicesFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", devicesFormat)
	}

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = "webbthub.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}

	cmd.SilenceUsage = true

	kv, cleanup, err := openKV(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	store := storage.NewDeviceStore(kv, logger)

	if devicesForget != "" {
		removed, found, err := store.Remove(cmd.Context(), devicesOrigin, devicesForget)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no device %s for origin %s", devicesForget, devicesOrigin)
		}
		fmt.Printf("Revoked %s (%s) for %s\n", devicesForget, removed.Name, devicesOrigin)
		return nil
	}

	records, err := store.List(cmd.Context(), devicesOrigin)
	if err != nil {
		return err
	}

	if devicesFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Printf("No devices granted to %s\n", devicesOrigin)
		return nil
	}

	header := color.New(color.Bold)
	dim := color.New(color.Faint)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	header.Fprintln(w, "DEVICE ID\tNAME\tADDRESS\tCONNECTION")
	for _, rec := range records {
		name := rec.Name
		if name == "" {
			name = dim.Sprint("(unnamed)")
		}
		gattID := rec.GattID
		if gattID == "" {
			gattID = dim.Sprint("-")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.WebID, name, rec.Address, gattID)
	}
	return w.Flush()
}
