// Command dispensary runs the name-broker service standalone, for
// integration tests and local experimentation outside a full simulated
// boot (in a real boot, rootsrv starts dispensary in-process).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/appsworld/kernelrt/dispensary"
	"github.com/appsworld/kernelrt/pkg/kernel"
)

func main() {
	log := logrus.New()

	root := &cobra.Command{
		Use:   "dispensary",
		Short: "run the name-broker RPC service",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := cmd.Flags().GetString("log-level")
			if err != nil {
				return err
			}
			lvl, err := logrus.ParseLevel(level)
			if err != nil {
				return err
			}
			log.SetLevel(lvl)

			k := kernel.New()
			port := k.PortCreate()
			srv := dispensary.NewServer(k, port, logrus.NewEntry(log))
			srv.RegisterDirect(dispensary.WellKnownPortName, port.Handle())

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.WithField("port", port.Handle()).Info("dispensary: listening")
			err = srv.Serve(ctx)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	root.Flags().String("log-level", "info", "logrus level (debug, info, warn, error)")

	if err := root.Execute(); err != nil {
		log.WithError(err).Fatal("dispensary: exiting")
	}
}
