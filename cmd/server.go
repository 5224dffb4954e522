package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/buoyantio/mutated/server"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "run a reference synthetic or memcache server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := settings(cmd.Flags())
		if err != nil {
			return err
		}
		cfg := server.Config{
			Address:     v.GetString("address"),
			UseUnixAddr: v.GetBool("unix"),
			Protocol:    v.GetString("protocol"),
			MetricAddr:  v.GetString("metricAddr"),
			MaxConns:    v.GetInt("max-conns"),
			ValueSize:   v.GetInt("value-size"),
			ErrorRate:   v.GetFloat64("error-rate"),
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return cfg.Run(ctx)
	},
}

func init() {
	RootCmd.AddCommand(serverCmd)
	flags := serverCmd.Flags()
	flags.String("address", "localhost:11211", "address to serve on")
	flags.Bool("unix", false, "use Unix Domain Sockets instead of TCP")
	flags.String("protocol", server.ProtocolSynthetic, "wire protocol [synthetic|memcache]")
	flags.String("metricAddr", "", "address to serve metrics on")
	flags.Int("max-conns", 0, "maximum concurrent connections. default: unlimited")
	flags.Int("value-size", 64, "size of every memcache value in bytes")
	flags.Float64("error-rate", 0, "the chance to answer with an error status")
}
