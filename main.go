package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raysh454/racer/internal/app"
	"github.com/raysh454/racer/internal/batch"
	"github.com/raysh454/racer/internal/cli"
	"github.com/raysh454/racer/internal/logging"
	"github.com/raysh454/racer/internal/report"
	"github.com/raysh454/racer/internal/server"
)

func main() {
	args, err := cli.ParseArgs(os.Args[1:])
	if errors.Is(err, cli.ErrHelp) {
		fmt.Print(cli.Usage)
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n%s", err, cli.Usage)
		os.Exit(2)
	}

	cfg, err := loadConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.NewStdoutLogger("racer")
	switch args.Command {
	case cli.CommandServe:
		err = serve(ctx, cfg, logger)
	case cli.CommandSend:
		err = send(ctx, cfg, args, logger)
	case cli.CommandList:
		err = list(cfg, args)
	case cli.CommandCompare:
		err = compareGroups(cfg, args)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the dotenv file, RACER_* variables and flags.
func loadConfig(args *cli.CLIArgs) (*app.Config, error) {
	if err := app.LoadDotEnv(args.EnvFile); err != nil {
		return nil, err
	}
	cfg := app.DefaultConfig()
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if args.StorageRoot != "" {
		cfg.StorageRoot = args.StorageRoot
	}
	if args.ListenAddr != "" {
		cfg.ListenAddr = args.ListenAddr
	}
	if args.Insecure {
		cfg.Sender.InsecureSkipVerify = true
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *app.Config, logger logging.Logger) error {
	srv, err := server.NewServer(server.Config{AppConfig: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer srv.Close()

	httpSrv := srv.HTTPServer()
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", logging.Field{Key: "addr", Value: httpSrv.Addr})
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// send runs one stored batch as a job, printing progress, then its results.
func send(ctx context.Context, cfg *app.Config, args *cli.CLIArgs, logger logging.Logger) error {
	srv, err := server.NewServer(server.Config{AppConfig: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer srv.Close()
	racer := srv.Racer()

	job, err := racer.StartSendJob(ctx, args.Batch)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		racer.CancelJob(job.ID)
	}()

	for ev := range job.Events {
		if ev.Type == app.JobEventProgress {
			fmt.Fprintf(os.Stderr, "\rsent %d/%d", ev.Processed, ev.Total)
		}
	}
	fmt.Fprintln(os.Stderr)

	// Events are dropped when the buffer is full; the job record is final.
	if j := racer.GetJob(job.ID); j == nil || j.Status != app.JobDone {
		if j == nil {
			return fmt.Errorf("send %s: job vanished", args.Batch)
		}
		return fmt.Errorf("send %s: %s %s", args.Batch, j.Status, j.Error)
	}
	b, err := racer.Batch(args.Batch)
	if err != nil {
		return err
	}
	report.Results(os.Stdout, b.Results(), report.Options{Tables: args.Tables, Groups: args.Groups})
	return nil
}

// openState opens the persisted racer state without serving it.
func openState(cfg *app.Config) (*server.Server, error) {
	return server.NewServer(server.Config{AppConfig: cfg, Logger: logging.Nop()})
}

func list(cfg *app.Config, args *cli.CLIArgs) error {
	srv, err := openState(cfg)
	if err != nil {
		return err
	}
	defer srv.Close()
	racer := srv.Racer()

	if args.Batch != "" {
		b, err := racer.Batch(args.Batch)
		if err != nil {
			return err
		}
		report.Batches(os.Stdout, []batch.MiniSummary{b.MiniSummary()})
		fmt.Println()
		report.Items(os.Stdout, b.Summary())
		fmt.Println()
		report.Results(os.Stdout, b.Results(), report.Options{Tables: args.Tables, Groups: args.Groups})
		return nil
	}

	fmt.Println("Requests:")
	report.Requests(os.Stdout, racer.ListRequests())
	fmt.Println()
	fmt.Println("Batches:")
	report.Batches(os.Stdout, racer.Summaries())
	return nil
}

func compareGroups(cfg *app.Config, args *cli.CLIArgs) error {
	srv, err := openState(cfg)
	if err != nil {
		return err
	}
	defer srv.Close()

	rep, err := srv.Racer().CompareGroups(args.Batch, args.RequestID, args.Group1, args.Group2)
	if err != nil {
		return err
	}
	report.Comparison(os.Stdout, rep)
	return nil
}
