package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/buoyantio/mutated/client"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var clientCmd = &cobra.Command{
	Use:   "client [ip:port [service_mean_us]]",
	Short: "run the open-loop load generator",
	Args:  cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := settings(cmd.Flags())
		if err != nil {
			return err
		}
		cfg, err := clientConfig(v, args)
		if err != nil {
			return err
		}
		c, err := client.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		summary, err := c.Run(ctx)
		if err != nil {
			return err
		}
		return summary.Write(os.Stdout, cfg.MachineReadable)
	},
}

func addClientFlags(flags *pflag.FlagSet) {
	d := client.DefaultConfig()
	flags.String("address", d.Address, "ip:port (or socket path with --unix) of the server")
	flags.Bool("unix", false, "use Unix Domain Sockets instead of TCP")
	flags.String("protocol", d.Protocol, "wire protocol [synthetic|memcache]")
	flags.Float64("service-us", d.ServiceUs, "mean service time in microseconds; also sets the request rate unless --rate is given")
	flags.String("distribution", d.Distribution, "service time distribution [fixed|exp|lognorm|percentiles]")
	flags.String("service-percentiles", "", "service time percentiles in microseconds for the percentiles distribution (e.g. 50=10,99=100)")
	flags.Float64("rate", 0, "mean requests per second. default: 1000000/service-us")
	flags.Int("batch", d.Batch, "service times carried by each synthetic request")
	flags.Int("keys", d.Keys, "number of distinct memcache keys")
	flags.Uint64P("warmup", "w", d.WarmupSamples, "warm-up sample count")
	flags.Uint64P("samples", "s", d.MeasureSamples, "measurement sample count")
	flags.Uint64P("cooldown", "c", d.CooldownSamples, "cool-down sample count")
	flags.StringP("label", "l", d.Label, "label for the report")
	flags.BoolP("machine-readable", "m", false, "print the report as JSON")
	flags.Int64("seed", 0, "random seed. default: taken from the clock")
	flags.Int("buffer-size", d.BufferSize, "send and receive buffer size in bytes")
	flags.Int("max-inflight", d.MaxInFlight, "maximum number of unanswered requests")
	flags.String("metricAddr", "", "address to serve metrics on")
	flags.Duration("interval", 0, "interval report period. default: no interval report")
}

func clientConfig(v *viper.Viper, args []string) (client.Config, error) {
	cfg := client.Config{
		Address:            v.GetString("address"),
		UseUnixAddr:        v.GetBool("unix"),
		Protocol:           v.GetString("protocol"),
		ServiceUs:          v.GetFloat64("service-us"),
		Distribution:       v.GetString("distribution"),
		ServicePercentiles: v.GetString("service-percentiles"),
		Rate:               v.GetFloat64("rate"),
		Batch:              v.GetInt("batch"),
		Keys:               v.GetInt("keys"),
		WarmupSamples:      v.GetUint64("warmup"),
		MeasureSamples:     v.GetUint64("samples"),
		CooldownSamples:    v.GetUint64("cooldown"),
		Label:              v.GetString("label"),
		MachineReadable:    v.GetBool("machine-readable"),
		Seed:               v.GetInt64("seed"),
		BufferSize:         v.GetInt("buffer-size"),
		MaxInFlight:        v.GetInt("max-inflight"),
		MetricAddr:         v.GetString("metricAddr"),
		Interval:           v.GetDuration("interval"),
	}
	if len(args) > 0 {
		cfg.Address = args[0]
	}
	if len(args) > 1 {
		us, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return cfg, fmt.Errorf("service_mean_us %q: %w", args[1], err)
		}
		cfg.ServiceUs = us
	}
	return cfg, cfg.Validate()
}

func init() {
	RootCmd.AddCommand(clientCmd)
	addClientFlags(clientCmd.Flags())
}
