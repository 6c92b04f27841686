// modbus-sim serves the RPVs of a target configuration as holding registers
// of a Modbus TCP device, so the monitoring server can run with a modbus
// backend. Values start at the configured RPV value and can be replayed
// from a CSV file, one row per interval.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"scrutiny-go/internal/config"
	"scrutiny-go/internal/logging"
	"scrutiny-go/internal/modbus"
	"scrutiny-go/internal/target"
)

type simulator struct {
	server   *modbus.Server
	rpvs     []config.RPVConfig
	rows     []map[string]float64
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	rowIndex int
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
	_ = godotenv.Load()

	var (
		configPath string
		listen     string
		csvPath    string
		interval   time.Duration
	)
	flags := pflag.NewFlagSet("modbus-sim", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "path to YAML config (defaults built in)")
	flags.StringVar(&listen, "listen", "", "listen address, defaults to target.modbus.connection")
	flags.StringVar(&csvPath, "csv", "", "CSV file replayed into the registers, columns named by RPV path or id")
	flags.DurationVar(&interval, "interval", time.Second, "time between CSV rows")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.LoadYAML(configPath); err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}
	cfg.ApplyEnv()
	log := logging.Global(cfg.Logging)

	if listen == "" {
		listen = "127.0.0.1:1502"
		if c := cfg.Target.Modbus.Connection; c.Port > 0 {
			listen = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
		}
	}

	var rows []map[string]float64
	if csvPath != "" {
		var err error
		if rows, err = loadCSV(csvPath); err != nil {
			return fmt.Errorf("load csv: %w", err)
		}
	}
	if interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}

	server := modbus.NewServer()
	if err := server.Listen(listen); err != nil {
		return fmt.Errorf("start modbus server: %w", err)
	}
	defer server.Close()

	sim := &simulator{
		server:   server,
		rpvs:     cfg.Target.RPVs,
		rows:     rows,
		interval: interval,
		log:      log,
	}
	if err := sim.seed(); err != nil {
		return err
	}
	server.OnWrite(sim.clientWrite)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("addr", server.Addr().String()).Int("rpvs", len(sim.rpvs)).Int("rows", len(rows)).Msg("modbus simulator listening")
	sim.Start(ctx)
	log.Info().Msg("shutting down simulator")
	return nil
}

// seed writes the configured initial value of every RPV.
func (s *simulator) seed() error {
	for _, rpv := range s.rpvs {
		if err := s.set(rpv, rpv.Value); err != nil {
			return fmt.Errorf("seed rpv 0x%04x: %w", rpv.ID, err)
		}
	}
	return nil
}

func (s *simulator) set(rpv config.RPVConfig, v float64) error {
	if strings.EqualFold(rpv.DataType, "coil") {
		return s.server.SetCoil(rpv.Address, v != 0)
	}
	words, err := target.RegisterWords(rpv, v)
	if err != nil {
		return err
	}
	for i, w := range words {
		if err := s.server.SetHoldingRegister(rpv.Address+uint16(i), w); err != nil {
			return err
		}
	}
	return nil
}

// clientWrite logs the RPVs a client wrote to.
func (s *simulator) clientWrite(table modbus.Table, start, quantity uint16) {
	end := int(start) + int(quantity)
	for _, rpv := range s.rpvs {
		coil := strings.EqualFold(rpv.DataType, "coil")
		if coil != (table == modbus.Coils) {
			continue
		}
		if int(rpv.Address) >= int(start) && int(rpv.Address) < end {
			s.log.Debug().Str("path", target.PathOf(rpv.ID)).Str("table", table.String()).Msg("rpv written by client")
		}
	}
}

func (s *simulator) Start(ctx context.Context) {
	if len(s.rows) == 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.applyRow(0)
	for {
		select {
		case <-ticker.C:
			s.nextRow()
		case <-ctx.Done():
			return
		}
	}
}

func (s *simulator) nextRow() {
	s.mu.Lock()
	s.rowIndex = (s.rowIndex + 1) % len(s.rows)
	index := s.rowIndex
	s.mu.Unlock()
	s.applyRow(index)
}

func (s *simulator) applyRow(index int) {
	row := s.rows[index]
	for _, rpv := range s.rpvs {
		v, ok := lookup(row, rpv.ID)
		if !ok {
			continue
		}
		if err := s.set(rpv, v); err != nil {
			s.log.Warn().Err(err).Str("path", target.PathOf(rpv.ID)).Msg("set register")
		}
	}
}

// lookup finds the column of rpv id: its path, 0x1001 or 1001.
func lookup(row map[string]float64, id uint16) (float64, bool) {
	for _, key := range []string{target.PathOf(id), fmt.Sprintf("0x%04x", id), fmt.Sprintf("%04x", id)} {
		if v, ok := row[key]; ok {
			return v, true
		}
	}
	return 0, false
}

func loadCSV(path string) ([]map[string]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 {
		return nil, errors.New("csv must contain header and at least one data row")
	}

	header := records[0]
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}
	rows := make([]map[string]float64, 0, len(records)-1)
	for line, record := range records[1:] {
		if len(record) != len(header) {
			return nil, fmt.Errorf("line %d: %d fields, header has %d", line+2, len(record), len(header))
		}
		row := make(map[string]float64, len(header))
		for i, key := range header {
			val, err := strconv.ParseFloat(strings.TrimSpace(record[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line+2, key, err)
			}
			row[key] = val
		}
		rows = append(rows, row)
	}
	return rows, nil
}
