// Command evcore runs the projection and archival workers of an evcore event
// log and offers operator commands around it.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/lirancohen/evcore/internal/config"
	"github.com/lirancohen/evcore/logging"
	"github.com/lirancohen/evcore/metrics"
)

const usage = `usage: evcore <command> [<flags>]

Configuration is read from the environment (and a .env file when present):
DATABASE_URL, REDIS_ADDR, LOG_LEVEL, METRICS_ADDR, QUEUE_MODE,
PROJECTION_WORKERS, FALLBACK_POLICY, VERSION_CACHE_TTL, ARCHIVE_RETENTION,
ARCHIVE_BATCH_SIZE, ARCHIVE_RATE, ARCHIVE_SCHEDULE, SQLITE_COLD_PATH.

Commands
   serve       Refresh projections as events arrive, archive on schedule, serve /metrics
   migrate     Create or upgrade the event store and job queue schemas
   append      Append one event read from a JSON payload file or stdin
   archive     Run one archival pass
   tail        Print the global event feed, or one stream, as JSON lines
   status      Print the persisted status of every projection
   streams     List streams and their current versions
   help        Display this message
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		fmt.Fprint(os.Stderr, "missing command\n\n"+usage)
		os.Exit(2)
	}

	args := flag.Args()[1:]
	var err error
	switch cmd := flag.Arg(0); cmd {
	case "serve":
		err = serve(args)
	case "migrate":
		err = migrate(args)
	case "append":
		err = appendEvent(args)
	case "archive":
		err = archiveOnce(args)
	case "tail":
		err = tail(args)
	case "status":
		err = status(args)
	case "streams":
		err = streams(args)
	case "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "evcore %s: %v\n", flag.Arg(0), err)
		os.Exit(1)
	}
}

// env is the process-wide setup shared by every command.
type env struct {
	cfg      *config.Config
	logger   logging.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func setup() (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &env{
		cfg:      cfg,
		logger:   logging.New(os.Stderr, cfg.LogLevel),
		registry: reg,
		metrics:  metrics.New(reg),
	}, nil
}
