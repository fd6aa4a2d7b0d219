package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cuemby/pgwarden/pkg/failover"
	"github.com/cuemby/pgwarden/pkg/health"
	"github.com/cuemby/pgwarden/pkg/types"
	"github.com/spf13/cobra"
)

// withApp loads configuration, builds the app and runs fn with the
// command's context. One-shot commands publish no events.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(cmd.Context(), a)
}

func jsonOutput(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("output")
	return format == "json"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func printOverview(ov *types.Overview) {
	fmt.Printf("Health:  %s\n", ov.Health)
	if ov.Primary != "" {
		fmt.Printf("Primary: %s\n", ov.Primary)
	} else {
		fmt.Println("Primary: none")
	}
	fmt.Println()

	w := newTable()
	fmt.Fprintln(w, "NAME\tKIND\tCLUSTER\tCONNECTIVITY\tROLE\tLAG")
	for _, n := range ov.Nodes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			n.Node.Name, n.Node.Kind, dash(n.Node.Cluster),
			n.Status.Connectivity, n.Status.Role, formatLag(n.Lag))
	}
	w.Flush()

	for _, a := range ov.Anomalies {
		fmt.Printf("\n! %s: %s (%s)\n", a.Type, a.Message, strings.Join(a.Nodes, ", "))
	}
}

func printNodeOverview(n *types.NodeOverview) {
	fmt.Printf("Name:         %s\n", n.Node.Name)
	fmt.Printf("Kind:         %s\n", n.Node.Kind)
	fmt.Printf("Container:    %s\n", n.Node.Container)
	fmt.Printf("Endpoint:     %s:%d\n", n.Node.Host, n.Node.Port)
	fmt.Printf("Cluster:      %s\n", dash(n.Node.Cluster))
	fmt.Printf("Connectivity: %s\n", n.Status.Connectivity)
	fmt.Printf("Role:         %s\n", n.Status.Role)
	fmt.Printf("Lag:          %s\n", formatLag(n.Lag))
	if n.Status.Error != "" {
		fmt.Printf("Error:        %s\n", n.Status.Error)
	}
}

func printLag(readings map[string]types.LagReading) {
	names := make([]string, 0, len(readings))
	for name := range readings {
		names = append(names, name)
	}
	sort.Strings(names)

	w := newTable()
	fmt.Fprintln(w, "NODE\tPRIMARY LSN\tNODE LSN\tGAP")
	for _, name := range names {
		r := readings[name]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, formatPosition(r.PrimaryPosition), formatPosition(r.NodePosition), formatLag(&r))
	}
	w.Flush()
}

func printDiagnosis(node string, results []health.Result) {
	fmt.Printf("Diagnosis for %s\n\n", node)
	w := newTable()
	fmt.Fprintln(w, "CHECK\tHEALTHY\tDURATION\tMESSAGE")
	for _, r := range results {
		fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", r.Type, r.Healthy, r.Duration.Round(time.Millisecond), r.Message)
	}
	w.Flush()
}

func printResult(res *failover.Result) {
	switch {
	case res.Succeeded():
		fmt.Printf("✓ %s completed\n", res.Operation)
	case res.Kind == failover.KindAlreadyInDesiredState:
		fmt.Printf("✓ Nothing to do: %s\n", res.Error)
		return
	default:
		fmt.Printf("✗ %s failed at %s (%s)\n", res.Operation, res.FailedStep, res.Kind)
	}
	if res.PreviousPrimary != "" {
		fmt.Printf("  Previous primary: %s\n", res.PreviousPrimary)
	}
	if res.NewPrimary != "" {
		fmt.Printf("  New primary:      %s\n", res.NewPrimary)
	}
	if res.Error != "" {
		fmt.Printf("  Error:            %s\n", res.Error)
	}
	if res.SafetyViolation {
		fmt.Println("  ! Safety violation: a replica node was observed accepting writes")
	}

	if len(res.Steps) > 0 {
		fmt.Println()
		w := newTable()
		fmt.Fprintln(w, "STATE\tNODE\tACTION\tOK\tDURATION\tERROR")
		for _, s := range res.Steps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
				s.State, dash(s.Node), s.Action, s.Success, s.Duration.Round(time.Millisecond), s.Error)
		}
		w.Flush()
	}

	if len(res.Rebuilds) > 0 {
		fmt.Println()
		w := newTable()
		fmt.Fprintln(w, "STANDBY\tREBUILT\tFAILED STEP\tERROR")
		for _, o := range res.Rebuilds {
			fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", o.Node, o.Success, dash(string(o.FailedStep)), o.Error)
		}
		w.Flush()
	}
}

// reportResult prints a run and turns anything other than success or a
// no-op into a command error
func reportResult(cmd *cobra.Command, res *failover.Result) error {
	if jsonOutput(cmd) {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		printResult(res)
	}
	if res.Succeeded() || res.Kind == failover.KindAlreadyInDesiredState {
		return nil
	}
	return fmt.Errorf("%s failed: %s", res.Operation, res.Kind)
}

func formatLag(r *types.LagReading) string {
	switch {
	case r == nil:
		return "-"
	case r.Error != "":
		return "unknown"
	case !r.Known():
		return "unknown"
	default:
		return fmt.Sprintf("%d bytes", r.GapBytes)
	}
}

func formatPosition(p *types.Position) string {
	if p == nil {
		return "-"
	}
	return p.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
