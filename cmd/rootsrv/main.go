// Command rootsrv runs the full simulated boot: the kernel, dispensary,
// the legacy file-IO endpoint, the task-create endpoint, and the
// dynamic linker, all sharing one in-process kernel.Kernel instance
// (there being no real address-space isolation to put them behind).
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/appsworld/kernelrt/dispensary"
	"github.com/appsworld/kernelrt/dyldo"
	"github.com/appsworld/kernelrt/pkg/bundle"
	"github.com/appsworld/kernelrt/pkg/fileioclient"
	"github.com/appsworld/kernelrt/pkg/kernel"
	"github.com/appsworld/kernelrt/rootsrv/internal/dyldopipe"
	"github.com/appsworld/kernelrt/rootsrv/internal/fileio"
	"github.com/appsworld/kernelrt/rootsrv/internal/taskep"
)

func main() {
	log := logrus.New()

	var bundlePath string
	root := &cobra.Command{
		Use:   "rootsrv",
		Short: "run the root server boot sequence",
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

			bootID := uuid.New()
			entry := log.WithField("boot", bootID)
			return run(cmd.Context(), bundlePath, entry)
		},
	}
	root.Flags().String("log-level", "info", "logrus level (debug, info, warn, error)")
	root.Flags().StringVar(&bundlePath, "bundle", "", "path to the init bundle (required)")
	root.MarkFlagRequired("bundle")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		log.WithError(err).Fatal("rootsrv: exiting")
	}
}

func run(ctx context.Context, bundlePath string, log *logrus.Entry) error {
	rc, err := bundle.Open(bundlePath)
	if err != nil {
		return err
	}
	defer rc.Close()

	k := kernel.New()

	dispPort := k.PortCreate()
	disp := dispensary.NewServer(k, dispPort, log.WithField("component", "dispensary"))
	disp.RegisterDirect(dispensary.WellKnownPortName, dispPort.Handle())

	fioPort := k.PortCreate()
	fio := fileio.NewServer(k, fioPort, &rc.Reader, log.WithField("component", "fileio"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 8)
	serve := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).WithField("component", name).Error("rootsrv: component exited")
				errCh <- err
				cancel()
			}
		}()
	}

	serve("dispensary", disp.Serve)
	serve("fileio", fio.Serve)

	// fileioclient.NewClient performs an RPC round trip, so it must wait
	// for fio's Serve loop to be accepting connections first.
	fc, err := connectWithRetry(ctx, k, fioPort)
	if err != nil {
		cancel()
		wg.Wait()
		return err
	}

	dyldoPort := k.PortCreate()
	dl := dyldo.NewServer(k, dyldoPort, fc, log.WithField("component", "dyldo"))
	disp.RegisterDirect(dyldopipe.WellKnownPortName, dyldoPort.Handle())
	serve("dyldo", dl.Serve)

	pipe := dyldopipe.New(k, dispPort)

	taskPort := k.PortCreate()
	tep := taskep.NewServer(k, taskPort, &rc.Reader, pipe, log.WithField("component", "taskep"))
	disp.RegisterDirect("taskep", taskPort.Handle())
	serve("taskep", tep.Serve)

	log.WithFields(logrus.Fields{
		"dispensary": dispPort.Handle(),
		"fileio":     fioPort.Handle(),
		"dyldo":      dyldoPort.Handle(),
		"taskep":     taskPort.Handle(),
	}).Info("rootsrv: listening")

	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// connectWithRetry builds a fileioclient.Client against port, retrying
// briefly since the server's Serve loop is started concurrently and may
// not have reached its receive yet.
func connectWithRetry(ctx context.Context, k *kernel.Kernel, port *kernel.Port) (*fileioclient.Client, error) {
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		fc, err := fileioclient.NewClient(ctx, k, port)
		if err == nil {
			return fc, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil, lastErr
}
