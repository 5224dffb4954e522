package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/buoyantio/mutated/probe"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "send a few blocking requests to check a server answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := settings(cmd.Flags())
		if err != nil {
			return err
		}
		cfg := probe.Config{
			Address:     v.GetString("address"),
			UseUnixAddr: v.GetBool("unix"),
			Protocol:    v.GetString("protocol"),
			Count:       v.GetInt("count"),
			ServiceUs:   v.GetUint64("service-us"),
			Timeout:     v.GetDuration("timeout"),
			Interval:    v.GetDuration("interval"),
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		res, err := cfg.Run(ctx)
		if res != nil {
			data, jerr := json.MarshalIndent(res, "", "  ")
			if jerr != nil {
				log.Fatal("Unable to generate report: ", jerr)
			}
			fmt.Println(string(data))
		}
		return err
	},
}

func init() {
	RootCmd.AddCommand(probeCmd)
	flags := probeCmd.Flags()
	flags.String("address", "localhost:11211", "address of the server")
	flags.Bool("unix", false, "use Unix Domain Sockets instead of TCP")
	flags.String("protocol", "synthetic", "wire protocol [synthetic|memcache]")
	flags.Int("count", 5, "number of requests")
	flags.Uint64("service-us", 0, "service time to request from a synthetic server")
	flags.Duration("timeout", 5*time.Second, "timeout for each request")
	flags.Duration("interval", time.Second, "pause between requests")
}
