// Command dyldo runs the dynamic linker's RPC service standalone,
// backed by its own in-process kernel and file-IO server over a bundle
// given on the command line, for integration tests and local
// experimentation outside a full simulated boot (in a real boot,
// rootsrv starts dyldo in-process, sharing its kernel — see cmd/rootsrv).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/appsworld/kernelrt/dyldo"
	"github.com/appsworld/kernelrt/pkg/bundle"
	"github.com/appsworld/kernelrt/pkg/fileioclient"
	"github.com/appsworld/kernelrt/pkg/kernel"
	"github.com/appsworld/kernelrt/rootsrv/internal/fileio"
)

func main() {
	log := logrus.New()

	var bundlePath string
	root := &cobra.Command{
		Use:   "dyldo",
		Short: "run the dynamic linker RPC service",
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
			return run(cmd.Context(), bundlePath, log)
		},
	}
	root.Flags().String("log-level", "info", "logrus level (debug, info, warn, error)")
	root.Flags().StringVar(&bundlePath, "bundle", "", "path to the init bundle (required)")
	root.MarkFlagRequired("bundle")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		log.WithError(err).Fatal("dyldo: exiting")
	}
}

func run(ctx context.Context, bundlePath string, log *logrus.Logger) error {
	rc, err := bundle.Open(bundlePath)
	if err != nil {
		return err
	}
	defer rc.Close()

	k := kernel.New()

	fioPort := k.PortCreate()
	fio := fileio.NewServer(k, fioPort, &rc.Reader, log.WithField("component", "fileio"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := fio.Serve(ctx); err != nil && ctx.Err() == nil {
			errCh <- err
			cancel()
		}
	}()

	var fc *fileioclient.Client
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		fc, err = fileioclient.NewClient(ctx, k, fioPort)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	if fc == nil {
		return err
	}

	dlPort := k.PortCreate()
	dl := dyldo.NewServer(k, dlPort, fc, log.WithField("component", "dyldo"))
	log.WithField("port", dlPort.Handle()).Info("dyldo: listening")

	serveErr := dl.Serve(ctx)
	if ctx.Err() != nil {
		return nil
	}
	select {
	case err := <-errCh:
		return err
	default:
		return serveErr
	}
}
