package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"licensed/internal/client"
	"licensed/internal/config"
)

type options struct {
	configPath string
	server     string
	token      string
	json       bool

	cfg *config.Config
}

// config loads the configuration once; flags override file and environment.
func (o *options) config() (*config.Config, error) {
	if o.cfg != nil {
		return o.cfg, nil
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if o.server != "" {
		cfg.Guard.ServerURL = o.server
	}
	if o.token != "" {
		cfg.Security.AdminToken = o.token
	}
	o.cfg = cfg
	return cfg, nil
}

func (o *options) client() (*client.Client, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.Guard.ServerURL, cfg.Security.AdminToken, nil)
}

func newRootCmd() *cobra.Command {
	o := &options{}

	cmd := &cobra.Command{
		Use:           "licensectl",
		Short:         "Administer a license server",
		Long:          `Creates, inspects and removes license keys through the server's admin API, and runs the client-side license guard.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&o.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&o.server, "server", "", "license server URL (default from guard.server_url)")
	cmd.PersistentFlags().StringVar(&o.token, "token", "", "admin bearer token (default from security.admin_token)")
	cmd.PersistentFlags().BoolVar(&o.json, "json", false, "print JSON instead of tables")

	cmd.AddCommand(
		newCreateCmd(o),
		newListCmd(o),
		newActiveCmd(o),
		newInfoCmd(o),
		newDeleteCmd(o),
		newStatsCmd(o),
		newSweepCmd(o),
		newExportCmd(o),
		newGuardCmd(o),
	)
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	table.Header(header)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to build table: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}
