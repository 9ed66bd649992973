package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"asyncproc/internal/app"
	"asyncproc/internal/config"
	"asyncproc/internal/storage"
	logx "asyncproc/pkg/logx"
)

const stopTimeout = 15 * time.Second

var (
	cfgPath      string
	historyLimit int

	configFlag = cli.StringFlag{
		Name:        "config, c",
		Value:       "./asyncproc.yaml",
		Usage:       "path to the config file (yaml or json)",
		EnvVar:      "ASYNCPROC_CONFIG",
		Destination: &cfgPath,
	}
)

func execute(args []string) error {
	a := cli.App{
		Name:     "procd",
		HelpName: "procd",
		Usage:    "cooperative job processor daemon",
		Version:  version,
		Flags:    []cli.Flag{configFlag},
		Commands: []cli.Command{
			{
				Name:   "run",
				Usage:  "run the daemon until SIGINT or SIGTERM",
				Action: run,
			},
			{
				Name:   "check",
				Usage:  "validate the config file and exit",
				Action: check,
			},
			{
				Name:    "history",
				Aliases: []string{"h"},
				Usage:   "print recent job outcomes from the history store",
				Action:  history,
				Flags: []cli.Flag{
					cli.IntFlag{
						Name:        "limit, n",
						Value:       20,
						Usage:       "number of records to print",
						Destination: &historyLimit,
					},
				},
			},
		},
		Action: run,
	}
	return a.Run(args)
}

func run(*cli.Context) error {
	d, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := d.Start(context.Background()); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = d.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-d.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := d.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return d.Err()
	}
	return nil
}

func check(*cli.Context) error {
	cfg, err := app.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	enabled := 0
	for _, s := range cfg.Schedules {
		if s.IsEnabled() {
			enabled++
		}
	}
	fmt.Printf("%s: ok (%d schedules, %d enabled)\n", cfgPath, len(cfg.Schedules), enabled)
	return nil
}

func history(*cli.Context) error {
	cfg, err := app.LoadConfig(cfgPath)
	if err != nil {
		return err
	}
	store, err := app.OpenHistory(cfg, logx.Nop())
	if errors.Is(err, storage.ErrDisabled) {
		return errors.New("no history store configured (storage.driver)")
	}
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.RecentJobs(context.Background(), historyLimit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("procd: no job history yet")
		return nil
	}
	printHistory(os.Stdout, cfg, recs)
	return nil
}

func printHistory(w io.Writer, cfg *config.Config, recs []storage.JobRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tPROCESSOR\tJOB\tOUTCOME\tPRIORITY\tWAIT\tTOOK\tERROR")
	loc := time.Local
	if tz := cfg.Scheduler.Timezone; tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.At.In(loc).Format(time.DateTime),
			r.Processor,
			r.Job,
			r.Outcome,
			r.Priority,
			r.QueueDelay.Round(time.Millisecond),
			r.Duration.Round(time.Millisecond),
			r.Error,
		)
	}
	_ = tw.Flush()
}
