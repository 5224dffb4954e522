package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/buoyantio/mutated/maxrps"
	"github.com/spf13/cobra"
)

var maxrpsCmd = &cobra.Command{
	Use:   "max-rps",
	Short: "compute max RPS",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := settings(cmd.Flags())
		if err != nil {
			return err
		}
		ccfg, err := clientConfig(v, nil)
		if err != nil {
			return err
		}
		cfg := maxrps.Config{Client: ccfg, Rates: v.GetString("rates")}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		res, err := cfg.Run(ctx)
		if err != nil {
			return err
		}
		res.Write(os.Stdout)
		return nil
	},
}

func init() {
	RootCmd.AddCommand(maxrpsCmd)
	flags := maxrpsCmd.Flags()
	addClientFlags(flags)
	flags.String("rates", "1000,5000,10000,20000,40000", "offered request rates to test with")
}
