// tickvault-cli is an interactive shell for inspecting stored market data.
//
// It reads the compressed segment files directly through the query service,
// so it can run against a live daemon's data directory or a copy of one.
// Indicators are computed on the fly over the same segments.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/tickvault/tickvault/internal/storage/config"
	"github.com/tickvault/tickvault/internal/storage/indicator"
	"github.com/tickvault/tickvault/internal/storage/query"
	"github.com/tickvault/tickvault/internal/storage/types"
)

func main() {
	cfgPath := flag.String("config", "", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}

	svc, err := query.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open query service: %v\n", err)
		os.Exit(1)
	}
	defer svc.Close()

	sh := &shell{
		svc:        svc,
		cfg:        cfg,
		indicators: indicator.New(segmentReader{svc}),
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		// Piped input: execute each line without the interactive prompt.
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			sh.execute(scanner.Text())
		}
		return
	}

	fmt.Printf("tickvault shell, data dir %s (help for commands)\n", cfg.DataDir)
	prompt.New(sh.execute, sh.complete,
		prompt.OptionTitle("tickvault"),
		prompt.OptionPrefix("tickvault> "),
	).Run()
}

// segmentReader adapts the query service to the indicator engine's read
// surface.
type segmentReader struct {
	svc *query.Service
}

func (r segmentReader) ReadCandles(table string, t0, t1 int64) ([]types.Candle, error) {
	tf, ok := types.TimeframeForTable(table)
	if !ok {
		return nil, fmt.Errorf("unknown table %s", table)
	}
	return r.svc.QueryCandles(context.Background(), query.CandleQuery{
		Timeframe: tf,
		StartTime: time.UnixMilli(t0),
		EndTime:   time.UnixMilli(t1),
	})
}

type shell struct {
	svc        *query.Service
	cfg        *config.Config
	indicators *indicator.Engine
}

func (sh *shell) execute(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "exit", "quit":
		os.Exit(0)
	case "help":
		sh.help()
	case "tables":
		sh.tables()
	case "ticks":
		sh.ticks(fields[1:])
	case "range":
		sh.candleRange(fields[1:])
	case "latest":
		sh.latest(fields[1:])
	case "atr":
		sh.atr(fields[1:])
	case "sql":
		sh.sql(strings.TrimSpace(strings.TrimPrefix(line, "sql")))
	default:
		fmt.Printf("unknown command %q, try help\n", fields[0])
	}
}

func (sh *shell) complete(d prompt.Document) []prompt.Suggest {
	suggestions := []prompt.Suggest{
		{Text: "latest", Description: "latest <symbol> <timeframe> [n] - newest candles"},
		{Text: "atr", Description: "atr <symbol> <timeframe> <period> [hours] - average true range"},
		{Text: "range", Description: "range <symbol> <timeframe> [hours] - candles in a window"},
		{Text: "ticks", Description: "ticks <symbol> [hours] - recent ticks"},
		{Text: "sql", Description: "sql <query> - run SQL against the segment files"},
		{Text: "tables", Description: "list tables"},
		{Text: "help", Description: "show commands"},
		{Text: "exit", Description: "leave the shell"},
	}
	return prompt.FilterHasPrefix(suggestions, d.GetWordBeforeCursor(), true)
}

func (sh *shell) help() {
	fmt.Println("commands:")
	fmt.Println("  latest <symbol> <timeframe> [n]        newest candles, default 100")
	fmt.Println("  atr <symbol> <timeframe> <period> [h]  ATR series, default last 24h")
	fmt.Println("  range <symbol> <timeframe> [hours]     candles in a window, default 24h")
	fmt.Println("  ticks <symbol> [hours]                 recent ticks, default last hour")
	fmt.Println("  sql <query>                            raw SQL over read_parquet")
	fmt.Println("  tables                                 list tables")
	fmt.Println("  exit")
}

func (sh *shell) tables() {
	tfs := sh.cfg.EnabledTimeframes()
	sort.Slice(tfs, func(i, j int) bool { return tfs[i].Duration() < tfs[j].Duration() })

	fmt.Println(types.TableTicks)
	for _, tf := range tfs {
		fmt.Println(tf.Table())
	}
}

func (sh *shell) ticks(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: ticks <symbol> [hours]")
		return
	}
	hours := parseInt(args, 1, 1)

	now := time.Now()
	rows, err := sh.svc.QueryTicks(context.Background(), query.TickQuery{
		Symbol:    args[0],
		StartTime: now.Add(-time.Duration(hours) * time.Hour),
		EndTime:   now,
	})
	if err != nil {
		fmt.Printf("query: %v\n", err)
		return
	}

	for _, t := range rows {
		fmt.Printf("%s  bid=%.5f ask=%.5f spread=%.5f mid=%.5f\n",
			time.UnixMilli(t.TimeMs).UTC().Format(time.RFC3339Nano),
			t.Bid, t.Ask, t.Spread, t.Mid)
	}
	fmt.Printf("%d ticks\n", len(rows))
}

func (sh *shell) candleRange(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: range <symbol> <timeframe> [hours]")
		return
	}
	tf, err := types.ParseTimeframe(args[1])
	if err != nil {
		fmt.Printf("%v\n", err)
		return
	}
	hours := parseInt(args, 2, 24)

	now := time.Now()
	rows, err := sh.svc.QueryCandles(context.Background(), query.CandleQuery{
		Symbol:    args[0],
		Timeframe: tf,
		StartTime: now.Add(-time.Duration(hours) * time.Hour),
		EndTime:   now,
	})
	if err != nil {
		fmt.Printf("query: %v\n", err)
		return
	}

	printCandles(rows)
}

func (sh *shell) latest(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: latest <symbol> <timeframe> [n]")
		return
	}
	tf, err := types.ParseTimeframe(args[1])
	if err != nil {
		fmt.Printf("%v\n", err)
		return
	}
	limit := parseInt(args, 2, indicator.DefaultLatestLimit)

	rows, err := sh.indicators.Latest(args[0], tf, limit)
	if err != nil {
		fmt.Printf("latest: %v\n", err)
		return
	}

	printCandles(rows)
}

func (sh *shell) atr(args []string) {
	if len(args) < 3 {
		fmt.Println("usage: atr <symbol> <timeframe> <period> [hours]")
		return
	}
	tf, err := types.ParseTimeframe(args[1])
	if err != nil {
		fmt.Printf("%v\n", err)
		return
	}
	period, err := strconv.Atoi(args[2])
	if err != nil {
		fmt.Printf("period: %v\n", err)
		return
	}
	hours := parseInt(args, 3, 24)

	start := time.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli()
	points, err := sh.indicators.ATR(args[0], tf, period, start)
	if err != nil {
		fmt.Printf("atr: %v\n", err)
		return
	}

	for _, p := range points {
		fmt.Printf("%s  %.6f\n",
			time.UnixMilli(p.TimeMs).UTC().Format("2006-01-02 15:04"), p.Value)
	}
	fmt.Printf("%d points\n", len(points))
}

func (sh *shell) sql(q string) {
	if q == "" {
		fmt.Println("usage: sql <query>")
		return
	}

	rows, err := sh.svc.ExecuteSQL(context.Background(), q)
	if err != nil {
		fmt.Printf("query: %v\n", err)
		return
	}

	for _, row := range rows {
		cols := make([]string, 0, len(row))
		for col := range row {
			cols = append(cols, col)
		}
		sort.Strings(cols)

		parts := make([]string, len(cols))
		for i, col := range cols {
			parts[i] = fmt.Sprintf("%s=%v", col, row[col])
		}
		fmt.Println(strings.Join(parts, "  "))
	}
	fmt.Printf("%d rows\n", len(rows))
}

func printCandles(rows []types.Candle) {
	for _, c := range rows {
		fmt.Printf("%s  o=%.5f h=%.5f l=%.5f c=%.5f vol=%.0f n=%d\n",
			time.UnixMilli(c.BucketStart).UTC().Format("2006-01-02 15:04"),
			c.Open, c.High, c.Low, c.Close, c.Volume, c.TickVolume)
	}
	fmt.Printf("%d candles\n", len(rows))
}

func parseInt(args []string, idx, fallback int) int {
	if len(args) <= idx {
		return fallback
	}
	n, err := strconv.Atoi(args[idx])
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
