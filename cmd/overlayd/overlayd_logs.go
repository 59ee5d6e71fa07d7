package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"overlay-go/pkg/log"
	"overlay-go/pkg/mesh"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

// timeFormats are tried in order when a time spec is not a duration.
var timeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseDuration extends time.ParseDuration with d (days) and w (weeks)
// suffixes on whole numbers.
func parseDuration(spec string) (time.Duration, error) {
	units := map[string]time.Duration{"d": 24 * time.Hour, "w": 7 * 24 * time.Hour}
	for suffix, unit := range units {
		if n, ok := strings.CutSuffix(spec, suffix); ok {
			v, err := strconv.Atoi(n)
			if err != nil || v < 0 {
				return 0, fmt.Errorf("invalid duration %q", spec)
			}
			return time.Duration(v) * unit, nil
		}
	}
	return time.ParseDuration(spec)
}

// parseTimeSpec reads either a duration back from now ("1h", "2d") or an
// absolute timestamp.
func parseTimeSpec(spec string, now time.Time) (time.Time, error) {
	if d, err := parseDuration(spec); err == nil {
		return now.Add(-d), nil
	}
	for _, layout := range timeFormats {
		if ts, err := time.ParseInLocation(layout, spec, time.Local); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time specification: '%s'. Use relative duration (e.g., '1h', '30m', '2d') or absolute format (e.g., '2023-10-27T15:04:05Z')", spec)
}

const logsCommandHelpTemplate = `NAME:
   {{.HelpName}} - {{.Usage}}

USAGE:
   {{.HelpName}} {{if .UsageText}}{{.UsageText}}{{else}}[command options]{{end}}
{{if .Description}}
DESCRIPTION:
   {{.Description | Indent 4}}
{{end}}
MODES (choose one; defaults to --last):
     --last      Retrieve the most recent N log entries.
     --since     Retrieve logs since a specific start time up to now.
     --between   Retrieve logs between a specific start and end time.

OPTIONS:
{{range .VisibleFlags}}   {{.}}
{{end}}
TIME SPECIFICATION:
     1. Relative duration back from now: "5m", "1h30m", "2d", "1w".
     2. Absolute timestamp: "2023-10-27T15:04:05Z", "2023-10-27 10:00:00", "2023-10-27".
        Local time is assumed when no zone is given.
`

var logsCommand = &cli.Command{
	Name:               "logs",
	Usage:              "reads the node log database",
	UsageText:          "logs [--last|--since|--between] [options]",
	Description:        `prints entries from the sqlite log written by "up"`,
	CustomHelpTemplate: logsCommandHelpTemplate,
	Flags: []cli.Flag{
		configFlag,
		&cli.StringFlag{Name: "dbfile", Usage: "log database `FILE` (default: log_db from the configuration)"},
		&cli.BoolFlag{Name: "pretty", Aliases: []string{"p"}, Usage: "render entries for humans instead of raw JSON"},
		&cli.BoolFlag{Name: "last", Usage: "Mode: Retrieve the most recent N log entries (default)"},
		&cli.BoolFlag{Name: "since", Usage: "Mode: Retrieve logs since a specific start time"},
		&cli.BoolFlag{Name: "between", Usage: "Mode: Retrieve logs between a specific start and end time"},
		&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Usage: "Number of entries for --last mode `NUMBER`", Value: 100},
		&cli.StringFlag{Name: "start", Aliases: []string{"s"}, Usage: "Start time for --since/--between `TIME_SPEC`"},
		&cli.StringFlag{Name: "end", Aliases: []string{"e"}, Usage: "End time for --between `TIME_SPEC`"},
		&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Usage: "Max entries for --since/--between `NUMBER`", Value: log.DefaultLimit * 10},
	},
	Action: logsCmd,
}

func logDBFile(c *cli.Context) (string, error) {
	if c.IsSet("dbfile") {
		return c.String("dbfile"), nil
	}
	cfg, err := mesh.LoadConfig(c.String("config"), nil)
	if err != nil {
		return "", err
	}
	if cfg.LogDB == "" {
		return "", errors.New("log_db is empty: the node logs to stdout")
	}
	return cfg.LogDB, nil
}

func logsCmd(c *cli.Context) error {
	modes := 0
	for _, m := range []string{"last", "since", "between"} {
		if c.Bool(m) {
			modes++
		}
	}
	if modes > 1 {
		return cli.Exit("Error: Only one mode flag (--last, --since, --between) can be specified at a time.", 1)
	}

	dbFile, err := logDBFile(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 1)
	}
	if err := log.Init(dbFile); err != nil {
		return cli.Exit(fmt.Sprintf("Error opening log database: %v", err), 1)
	}
	defer log.Close()

	now := time.Now()
	var results []log.Entry
	switch {
	case c.Bool("since"):
		if !c.IsSet("start") {
			return cli.Exit("Error: --start (-s) flag is required for --since mode.", 1)
		}
		start, err := parseTimeSpec(c.String("start"), now)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Error parsing start time: %v", err), 1)
		}
		results, err = log.GetLogsSince(start, c.Int("limit"))
		if err != nil {
			return cli.Exit(fmt.Sprintf("Error retrieving logs: %v", err), 1)
		}
	case c.Bool("between"):
		if !c.IsSet("start") || !c.IsSet("end") {
			return cli.Exit("Error: --start (-s) and --end (-e) are required for --between mode.", 1)
		}
		start, err := parseTimeSpec(c.String("start"), now)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Error parsing start time: %v", err), 1)
		}
		end, err := parseTimeSpec(c.String("end"), now)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Error parsing end time: %v", err), 1)
		}
		if start.After(end) {
			fmt.Fprintf(os.Stderr, "Warning: Start time (%s) is after end time (%s).\n", start.Format(time.RFC3339), end.Format(time.RFC3339))
		}
		results, err = log.GetLogsBetween(start, end, c.Int("limit"))
		if err != nil {
			return cli.Exit(fmt.Sprintf("Error retrieving logs: %v", err), 1)
		}
	default:
		count := c.Int("count")
		if count <= 0 {
			return cli.Exit("Error: --count (-n) must be a positive number.", 1)
		}
		results, err = log.GetLastNLogs(count)
		if err != nil {
			return cli.Exit(fmt.Sprintf("Error retrieving logs: %v", err), 1)
		}
	}

	if len(results) == 0 {
		fmt.Fprintln(os.Stderr, "No log entries found matching the criteria.")
		return nil
	}
	if !c.Bool("pretty") {
		for _, e := range results {
			fmt.Println(e.LogData)
		}
		return nil
	}
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	for _, e := range results {
		if _, err := cw.Write([]byte(e.LogData)); err != nil {
			fmt.Println(e.LogData)
		}
	}
	return nil
}
