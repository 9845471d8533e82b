package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chriskillpack/ecotask"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Consecutive malformed proposals tolerated before a batch gives up.
const maxMalformed = 5

type generateOptions struct {
	count       int
	concurrency int
}

func newGenerateCommand(a *app) *cobra.Command {
	var opts generateOptions

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a batch of task proposals as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.count < 1 {
				return fmt.Errorf("--count must be positive, got %d", opts.count)
			}
			if opts.concurrency < 1 {
				return fmt.Errorf("--concurrency must be positive, got %d", opts.concurrency)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			var lameduck atomic.Bool
			sigch := make(chan os.Signal, 2)
			signal.Notify(sigch, os.Interrupt)
			defer signal.Stop(sigch)
			go sighandler(ctx, sigch, &lameduck, cancel, a.log)

			svc, cleanup, err := a.newService(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if !svc.IsHealthy(ctx) {
				return fmt.Errorf("%s backend is not responding", svc.Backend())
			}

			bar := progressbar.NewOptions(opts.count,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("generating tasks"),
				progressbar.OptionShowCount(),
			)
			n, err := generate(ctx, svc, opts, cmd.OutOrStdout(), bar, &lameduck, a.log)
			bar.Finish()
			fmt.Fprintln(os.Stderr)

			a.log.WithField("generated", n).Info("batch finished")
			return err
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.count, "count", 1, "Number of tasks to generate")
	f.IntVar(&opts.concurrency, "concurrency", 2, "Number of conversations run at once")

	return cmd
}

// generate runs opts.count task conversations and writes each proposal to w
// as a JSON line. It returns the number of proposals written.
func generate(ctx context.Context, svc *ecotask.Service, opts generateOptions, w io.Writer, bar *progressbar.ProgressBar, lameduck *atomic.Bool, log logrus.FieldLogger) (int, error) {
	var (
		mu        sync.Mutex
		enc       = json.NewEncoder(w)
		written   int
		malformed atomic.Int32
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)

	for i := 0; i < opts.count && !lameduck.Load(); i++ {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			defer bar.Add(1)

			now := time.Now()
			prop, err := svc.CreateTask(gctx)
			if errors.Is(err, ecotask.ErrMalformedModelOutput) {
				if malformed.Add(1) >= maxMalformed {
					return fmt.Errorf("too many malformed proposals: %w", err)
				}
				log.WithError(err).Warn("skipping malformed proposal")
				return nil
			}
			if err != nil {
				return err
			}
			malformed.Store(0)

			mu.Lock()
			defer mu.Unlock()
			if err := enc.Encode(proposalRecord(prop)); err != nil {
				return err
			}
			written++

			log.WithFields(logrus.Fields{
				"task":    i,
				"points":  prop.Points,
				"elapsed": time.Since(now).Round(time.Millisecond).String(),
			}).Debug("task generated")
			return nil
		})
	}

	err := g.Wait()
	return written, err
}

func proposalRecord(p *ecotask.TaskProposal) proposalJSON {
	return proposalJSON{
		ID:        p.ID,
		Desc:      p.Description,
		Task:      p.Rationale,
		Value:     p.ValueLine,
		Points:    p.Points,
		CreatedAt: p.CreatedAt,
	}
}

// The first interrupt stops new conversations from starting, the second
// cancels the ones in flight. It returns once ctx is done.
func sighandler(ctx context.Context, ch <-chan os.Signal, lameduck *atomic.Bool, cancel context.CancelFunc, log logrus.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}

		if lameduck.Load() {
			log.Warn("exiting")
			cancel()
			return
		}
		log.Warn("interrupt received, finishing in-flight tasks")
		lameduck.Store(true)
	}
}
