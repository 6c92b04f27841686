// export writes a stored acquisition to CSV and/or JSON. The acquisition is
// read from the SQLite store directly (--db) or fetched from a running
// server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"scrutiny-go/internal/config"
	"scrutiny-go/internal/logging"
	"scrutiny-go/internal/model"
	"scrutiny-go/internal/output"
	"scrutiny-go/internal/storage"
	"scrutiny-go/pkg/sdk"
)

type options struct {
	dbPath  string
	host    string
	port    int
	ref     string
	list    bool
	limit   int
	outJSON string
	outCSV  string
	timeout time.Duration
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var o options
	flags := pflag.NewFlagSet("export", pflag.ContinueOnError)
	flags.StringVar(&o.dbPath, "db", "", "SQLite acquisition store, skips the server")
	flags.StringVar(&o.host, "host", "127.0.0.1", "server host")
	flags.IntVar(&o.port, "port", 8765, "server port")
	flags.StringVar(&o.ref, "ref", "", "reference id of the acquisition to export")
	flags.BoolVar(&o.list, "list", false, "list the stored acquisitions and exit")
	flags.IntVar(&o.limit, "limit", 20, "number of acquisitions listed")
	flags.StringVar(&o.outJSON, "json", "", "path to write the JSON export")
	flags.StringVar(&o.outCSV, "csv", "", "path to write the CSV export")
	flags.DurationVar(&o.timeout, "timeout", 10*time.Second, "overall timeout")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if !o.list {
		if o.ref == "" {
			return errors.New("no acquisition specified: set --ref or --list")
		}
		if o.outJSON == "" && o.outCSV == "" {
			return errors.New("no output specified: set --json and/or --csv")
		}
	}

	log := logging.New(config.LoggingConfig{Level: "info", Format: "console", Output: "stderr"})
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	if o.dbPath != "" {
		return fromStore(ctx, o, log)
	}
	return fromServer(ctx, o, log)
}

func fromStore(ctx context.Context, o options, log zerolog.Logger) error {
	store, err := storage.OpenSQLite(o.dbPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if o.list {
		list, err := store.List(ctx, o.limit)
		if err != nil {
			return err
		}
		printList(list)
		return nil
	}
	acq, err := store.Get(ctx, o.ref)
	if err != nil {
		return err
	}
	return write(acq, o, log)
}

func fromServer(ctx context.Context, o options, log zerolog.Logger) error {
	client := sdk.New(sdk.WithLogger(log))
	return client.WithConnection(ctx, o.host, o.port, func(c *sdk.Client) error {
		if o.list {
			list, err := c.ListAcquisitions(ctx, o.limit)
			if err != nil {
				return err
			}
			printList(list)
			return nil
		}
		acq, err := c.ReadAcquisition(ctx, o.ref)
		if err != nil {
			return err
		}
		if o.outCSV != "" {
			if err := acq.ToCSV(o.outCSV); err != nil {
				return fmt.Errorf("write csv: %w", err)
			}
			log.Info().Str("path", o.outCSV).Msg("csv written")
		}
		if o.outJSON != "" {
			if err := acq.ToJSON(o.outJSON); err != nil {
				return fmt.Errorf("write json: %w", err)
			}
			log.Info().Str("path", o.outJSON).Msg("json written")
		}
		return nil
	})
}

func write(acq *model.Acquisition, o options, log zerolog.Logger) error {
	if o.outCSV != "" {
		if err := output.WriteCSVFile(o.outCSV, acq); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
		log.Info().Str("path", o.outCSV).Int("samples", acq.Len()).Msg("csv written")
	}
	if o.outJSON != "" {
		if err := output.WriteJSON(o.outJSON, acq); err != nil {
			return fmt.Errorf("write json: %w", err)
		}
		log.Info().Str("path", o.outJSON).Msg("json written")
	}
	return nil
}

func printList(list []model.AcquisitionSummary) {
	for _, s := range list {
		fmt.Printf("%s  %s  %-24q %6d samples %3d signals\n",
			s.ReferenceID, s.AcquiredAt.Local().Format(time.DateTime), s.Name, s.Samples, s.Signals)
	}
}
