package main

import (
	"fmt"
	"github.com/lesovsky/pgrepack/internal/log"
	"github.com/lesovsky/pgrepack/internal/repack"
	"gopkg.in/alecthomas/kingpin.v2"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	var (
		showVersion = kingpin.Flag("version", "show version and exit").Bool()
		logLevel    = kingpin.Flag("log-level", "set log level: debug, info, warn, error").Default("info").Envar("LOG_LEVEL").String()
		echo        = kingpin.Flag("echo", "log every SQL statement sent to the server").Bool()
		configFile  = kingpin.Flag("config-file", "path to config file with connection defaults").String()

		all         = kingpin.Flag("all", "reorganize every connectable database").Short('a').Bool()
		table       = kingpin.Flag("table", "reorganize only the specified relation").Short('t').String()
		noOrder     = kingpin.Flag("no-order", "rewrite without ordering (storage compaction only)").Short('n').Bool()
		orderBy     = kingpin.Flag("order-by", "order rows by these columns instead of the clustering key").Short('o').String()
		waitTimeout = kingpin.Flag("wait-timeout", "seconds to wait before canceling conflicting backends (default 60)").Short('T').Default("0").Int()
		noAnalyze   = kingpin.Flag("no-analyze", "skip the final ANALYZE").Short('Z').Bool()

		host     = kingpin.Flag("host", "database server host").Short('h').String()
		port     = kingpin.Flag("port", "database server port").Short('p').Int()
		username = kingpin.Flag("username", "database user name").Short('U').String()

		dbname = kingpin.Arg("dbname", "database to reorganize").String()
	)
	kingpin.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", repack.ProgramName, repack.ProgramVersion)
		os.Exit(0)
	}

	log.SetLevel(*logLevel)
	if *echo {
		log.SetLevel("debug")
	}

	config := &repack.Config{
		Dbname:       *dbname,
		Host:         *host,
		Port:         *port,
		Username:     *username,
		AllDatabases: *all,
		Table:        *table,
		NoOrder:      *noOrder,
		OrderBy:      *orderBy,
		WaitTimeout:  time.Duration(*waitTimeout) * time.Second,
		NoAnalyze:    *noAnalyze,
	}

	if *configFile != "" {
		fc, err := repack.NewFileConfig(*configFile)
		if err != nil {
			log.Errorf("unable to read config file: %s", err)
			os.Exit(1)
		}
		config.Merge(fc)
	}

	if err := config.Validate(); err != nil {
		log.Errorf("invalid usage: %s", err)
		os.Exit(1)
	}

	cleanup := repack.NewRegistry()

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		s := <-c
		log.Warnf("got %s, shutting down", s)
		cleanup.RunAll(true)
		os.Exit(1)
	}()

	err := repack.Start(config, cleanup)
	cleanup.RunAll(false)
	if err != nil {
		log.Errorf("reorganization failed: %s", err)
		os.Exit(1)
	}
}
