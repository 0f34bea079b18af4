package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"licensed/internal/license"
)

const timeLayout = "2006-01-02 15:04"

func newCreateCmd(o *options) *cobra.Command {
	var (
		issuer   string
		identity string
	)

	cmd := &cobra.Command{
		Use:   "create <1tag|1woche|1monat>",
		Short: "Issue a new license key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}

			l, err := c.CreateLicense(cmd.Context(), args[0], issuer, identity)
			if err != nil {
				return fmt.Errorf("failed to create license: %w", err)
			}
			if o.json {
				return printJSON(cmd.OutOrStdout(), l)
			}
			fmt.Fprintln(cmd.OutOrStdout(), l.Key)
			return nil
		},
	}

	cmd.Flags().StringVar(&issuer, "issuer", defaultIssuer(), "who issued the key")
	cmd.Flags().StringVar(&identity, "for", "", "buyer identity to send the key to")
	return cmd
}

func newListCmd(o *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List license keys",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}

			licenses, err := c.List(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("failed to list licenses: %w", err)
			}
			if o.json {
				return printJSON(cmd.OutOrStdout(), licenses)
			}

			rows := make([][]string, 0, len(licenses))
			for _, l := range licenses {
				rows = append(rows, []string{
					l.Key,
					string(l.Duration),
					string(l.Status),
					l.Identity,
					formatTime(l.CreatedAt),
					formatTime(l.ExpiresAt),
				})
			}
			return printTable(cmd.OutOrStdout(), []string{"Key", "Duration", "Status", "Identity", "Created", "Expires"}, rows)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show only the newest n keys")
	return cmd
}

func newActiveCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List active licenses with their remaining time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}

			active, err := c.ListActive(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list active licenses: %w", err)
			}
			if o.json {
				return printJSON(cmd.OutOrStdout(), active)
			}

			rows := make([][]string, 0, len(active))
			for _, a := range active {
				rows = append(rows, []string{
					a.License.Key,
					a.License.Identity,
					formatTime(a.License.ExpiresAt),
					strconv.Itoa(a.RemainingDays),
				})
			}
			return printTable(cmd.OutOrStdout(), []string{"Key", "Identity", "Expires", "Days Left"}, rows)
		},
	}
}

func newInfoCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info <key>",
		Short: "Show a single license",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}

			l, err := c.Info(cmd.Context(), license.NormalizeKey(args[0]))
			if err != nil {
				return fmt.Errorf("failed to get license: %w", err)
			}
			if o.json {
				return printJSON(cmd.OutOrStdout(), l)
			}

			return printTable(cmd.OutOrStdout(), []string{"Field", "Value"}, [][]string{
				{"Key", l.Key},
				{"Duration", l.Duration.DisplayName()},
				{"Status", string(l.Status)},
				{"Created", formatTime(l.CreatedAt)},
				{"Created By", l.CreatedBy},
				{"Issued For", l.IssuedFor},
				{"Identity", l.Identity},
				{"Activated", formatTime(l.ActivatedAt)},
				{"Expires", formatTime(l.ExpiresAt)},
			})
		},
	}
}

func newDeleteCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <key>",
		Aliases: []string{"rm"},
		Short:   "Delete a license key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}

			key := license.NormalizeKey(args[0])
			if err := c.Delete(cmd.Context(), key); err != nil {
				return fmt.Errorf("failed to delete license: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "License %s deleted\n", key)
			return nil
		},
	}
}

func newStatsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize the license collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}

			st, err := c.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			if o.json {
				return printJSON(cmd.OutOrStdout(), st)
			}

			rows := [][]string{
				{"Total", strconv.Itoa(st.Total)},
				{"Active", strconv.Itoa(st.Active)},
				{"Unused", strconv.Itoa(st.Unused)},
				{"Expired", strconv.Itoa(st.Expired)},
				{"Issued Value", st.IssuedValue.StringFixed(2)},
				{"Activated Value", st.ActivatedValue.StringFixed(2)},
			}
			for _, d := range license.Durations() {
				rows = append(rows, []string{d.DisplayName(), strconv.Itoa(st.ByDuration[d])})
			}
			return printTable(cmd.OutOrStdout(), []string{"Metric", "Value"}, rows)
		},
	}
}

func newSweepCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire every overdue active license now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}

			n, err := c.Sweep(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to sweep: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d license(s) expired\n", n)
			return nil
		},
	}
}

func newExportCmd(o *options) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Download all licenses as an XLSX workbook",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.client()
			if err != nil {
				return err
			}

			if output == "" {
				output = fmt.Sprintf("licenses-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}

			if err := c.Export(cmd.Context(), f); err != nil {
				f.Close()
				os.Remove(output)
				return fmt.Errorf("failed to export: %w", err)
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default licenses-<timestamp>.xlsx)")
	return cmd
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

func defaultIssuer() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}
