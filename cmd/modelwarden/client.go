package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"modelwarden/pkg/types"
)

const clientTimeout = 10 * time.Second

type apiClient struct {
	base string
	hc   *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{base: strings.TrimRight(base, "/"), hc: &http.Client{Timeout: clientTimeout}}
}

// getJSON decodes a 2xx body into v. /health answers 503 with a valid body
// when the system is degraded, so okStatus lists extra accepted codes.
func (c *apiClient) getJSON(ctx context.Context, path string, v any, okStatus ...int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, s := range okStatus {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		var e types.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", path, e.Error)
		}
		return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func serverFlag(cmd *cobra.Command) *string {
	return cmd.Flags().StringP("server", "s", envString("SERVER", "http://127.0.0.1:8080"), "modelwarden base URL")
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	return table
}

// healthColor picks the cell color for a health or instance state.
func healthColor(state string) tablewriter.Colors {
	switch state {
	case "healthy", "loaded":
		return tablewriter.Colors{tablewriter.Bold, tablewriter.FgGreenColor}
	case "warning", "starting", "loading", "unloading":
		return tablewriter.Colors{tablewriter.Bold, tablewriter.FgYellowColor}
	case "critical", "down":
		return tablewriter.Colors{tablewriter.Bold, tablewriter.FgRedColor}
	}
	return tablewriter.Colors{}
}

// appendRow adds row, coloring column col by its value when colors are on.
func appendRow(table *tablewriter.Table, row []string, col int) {
	if color.NoColor {
		table.Append(row)
		return
	}
	colors := make([]tablewriter.Colors, len(row))
	colors[col] = healthColor(row[col])
	table.Rich(row, colors)
}

func ago(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return now.Sub(t).Truncate(time.Second).String()
}

func unixAgo(sec int64, now time.Time) string {
	if sec == 0 {
		return "-"
	}
	return ago(time.Unix(sec, 0), now)
}

func memLimit(mb int64) string {
	if mb <= 0 {
		return "unlimited"
	}
	return strconv.FormatInt(mb, 10)
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show resident models, quota usage and service health",
	}
	server := serverFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		c := newAPIClient(*server)
		var st types.StatusResponse
		if err := c.getJSON(cmd.Context(), "/status", &st); err != nil {
			return err
		}
		var sh types.SystemHealthResponse
		if err := c.getJSON(cmd.Context(), "/health", &sh, http.StatusServiceUnavailable); err != nil {
			return err
		}
		renderStatus(cmd.OutOrStdout(), st, sh, time.Now())
		return nil
	}
	return cmd
}

func renderStatus(w io.Writer, st types.StatusResponse, sh types.SystemHealthResponse, now time.Time) {
	q := st.Quota
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(w, "%s %d/%s MB resident, %d/%d models, %d in flight, %d queued, up %s\n",
		bold("quota:"), q.ResidentMemoryMB, memLimit(q.UsableMemoryMB), q.ResidentModels, q.MaxModels,
		q.InFlight, q.QueueDepth, (time.Duration(st.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(w, "%s loads=%d unloads=%d preemptions=%d\n\n", bold("totals:"), st.LoadsTotal, st.UnloadsTotal, st.PreemptionsTotal)

	models := newTable(w, []string{"MODEL", "STATE", "PRIORITY", "MEMORY MB", "REQUESTS", "ERRORS", "AVG", "LAST USED", "IDLE TIMEOUT"})
	for _, in := range st.Instances {
		appendRow(models, []string{
			in.ModelID, in.State, string(in.Priority),
			strconv.FormatInt(in.MemoryMB, 10),
			strconv.FormatInt(in.Usage.RequestCount, 10),
			strconv.FormatInt(in.Usage.ErrorCount, 10),
			in.Usage.AvgResponseTime.Truncate(time.Millisecond).String(),
			unixAgo(in.LastUsed, now),
			in.IdleTimeout,
		}, 1)
	}
	models.Render()

	fmt.Fprintln(w)
	sysColor := color.New(color.FgGreen, color.Bold)
	switch sh.Status {
	case "warning":
		sysColor = color.New(color.FgYellow, color.Bold)
	case "critical", "down":
		sysColor = color.New(color.FgRed, color.Bold)
	}
	fmt.Fprintf(w, "%s %s\n", bold("system:"), sysColor.Sprint(sh.Status))
	if len(sh.Services) == 0 {
		return
	}
	services := newTable(w, []string{"SERVICE", "HEALTH", "BREAKER", "CRITICAL", "LATENCY", "RESTARTS", "LAST CHECK", "DETAIL"})
	for _, s := range sh.Services {
		appendRow(services, []string{
			s.Name, s.Health, s.Breaker, strconv.FormatBool(s.Critical),
			s.LastLatency.Truncate(time.Millisecond).String(),
			strconv.FormatInt(s.Restarts, 10),
			ago(s.LastCheck, now),
			s.Detail,
		}, 1)
	}
	services.Render()
}

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List registered models",
	}
	server := serverFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		var resp types.ModelsResponse
		if err := newAPIClient(*server).getJSON(cmd.Context(), "/models", &resp); err != nil {
			return err
		}
		renderModels(cmd.OutOrStdout(), resp.Models)
		return nil
	}
	return cmd
}

func renderModels(w io.Writer, models []types.ModelDescriptor) {
	table := newTable(w, []string{"ID", "NAME", "CATEGORY", "PRIORITY", "MEMORY MB", "RESIDENT", "SOURCE"})
	for _, m := range models {
		source := m.Path
		if m.Endpoint != "" {
			source = m.Endpoint
		}
		state := "unloaded"
		if m.IsLoaded {
			state = "loaded"
		}
		appendRow(table, []string{
			m.ID, m.Name, string(m.Category), string(m.Priority),
			strconv.FormatInt(m.MemoryMB, 10), state, source,
		}, 5)
	}
	table.Render()
}
