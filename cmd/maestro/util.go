package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/loykin/maestro/internal/gpu"
	"github.com/loykin/maestro/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// printYAML renders v through its JSON form so keys match the API.
func printYAML(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(b, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func printBatches(w io.Writer, batches []client.Batch) {
	if len(batches) == 0 {
		_, _ = fmt.Fprintln(w, "no batches")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "BATCH\tLABEL\tNAME\tSTATUS\tPID\tDEVICES\tEXIT")
	for _, b := range batches {
		for _, p := range b.Processes {
			_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				b.ID, dash(b.Label), p.Name, p.Status, optInt(p.PID), dash(gpu.Join(p.Devices)), optInt(p.ExitCode))
		}
	}
	_ = tw.Flush()
}

func printDispatcher(w io.Writer, st client.DispatcherStatus) {
	if !st.Running {
		_, _ = fmt.Fprintf(w, "dispatcher stopped (%d in flight)\n", st.InFlight)
		return
	}
	_, _ = fmt.Fprintf(w, "dispatcher running pid=%d spread=%d wait=%s block=%s in_flight=%d\n",
		st.PID, st.Spread, st.Wait, dash(gpu.Join(st.Block)), st.InFlight)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

// absPattern makes a glob absolute against the caller's working directory;
// the daemon resolves patterns in its own.
func absPattern(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("pattern is required")
	}
	if strings.HasPrefix(p, "~/") || filepath.IsAbs(p) {
		return p, nil
	}
	return filepath.Abs(p)
}
