package client

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/buoyantio/mutated/accum"
)

// Summary is the end-of-run report.
type Summary struct {
	Label       string        `json:"label"`
	Protocol    string        `json:"protocol"`
	OfferedRate float64       `json:"offered_rps"`
	Throughput  float64       `json:"throughput_rps"`
	Elapsed     time.Duration `json:"elapsed_ns"`
	Generated   uint64        `json:"generated"`
	Warmup      uint64        `json:"warmup"`
	Measured    uint64        `json:"measured"`
	Cooldown    uint64        `json:"cooldown"`
	Dropped     uint64        `json:"dropped"`
	Service     accum.Stats   `json:"service_us"`
	Wait        accum.Stats   `json:"wait_us"`
}

// Write prints s for a human, or as indented JSON when machine is set.
func (s *Summary) Write(w io.Writer, machine bool) error {
	if machine {
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Errorf("unable to generate report: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	fmt.Fprintf(w, "label: %s (%s)\n", s.Label, s.Protocol)
	fmt.Fprintf(w, "offered: %.1f req/s, achieved: %.1f req/s over %s\n",
		s.OfferedRate, s.Throughput, s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "requests: %d generated, %d warm-up, %d measured, %d cool-down, %d dropped\n",
		s.Generated, s.Warmup, s.Measured, s.Cooldown, s.Dropped)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "\tmean\tstddev\tmin\tp50\tp90\tp95\tp99\tp99.9\tmax\t")
	for _, row := range []struct {
		name  string
		stats accum.Stats
	}{{"service_us", s.Service}, {"wait_us", s.Wait}} {
		st := row.stats
		fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%.0f\t%.0f\t%.0f\t%.0f\t%.0f\t%.0f\t%.0f\t\n",
			row.name, st.Mean, st.StdDev, st.Min, st.P50, st.P90, st.P95, st.P99, st.P999, st.Max)
	}
	return tw.Flush()
}
