package config

import (
	"flag"
	"io"

	"github.com/dmitrijs2005/syncserver/internal/flagx"
)

// parseFlags overlays selected Config fields from command-line flags.
//
// Supported flags:
//
//	-d string     PostgreSQL DSN
//	-b string     storage backend (s3, minio, memory)
//	-k string     lock backend (db, redis)
//	-r string     Redis address
//	-i duration   deferred upload processing interval
//	-w duration   stale version sweep interval
//	-x duration   stale version expiry
//	-v string     log level
//
// Only these flags are looked at, so -c/-config and flags of other
// components can share the same command line.
func parseFlags(config *Config, args []string) error {
	args = flagx.FilterArgs(args, []string{"-d", "-b", "-k", "-r", "-i", "-w", "-x", "-v"})

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.StorageBackend, "b", config.StorageBackend, "storage backend")
	fs.StringVar(&config.LockBackend, "k", config.LockBackend, "lock backend")
	fs.StringVar(&config.Redis.Addr, "r", config.Redis.Addr, "redis address")
	fs.DurationVar(&config.DeferredUploadInterval, "i", config.DeferredUploadInterval, "deferred upload processing interval")
	fs.DurationVar(&config.StaleVersionSweepInterval, "w", config.StaleVersionSweepInterval, "stale version sweep interval")
	fs.DurationVar(&config.StaleVersionExpiry, "x", config.StaleVersionExpiry, "stale version expiry")
	fs.StringVar(&config.Log.Level, "v", config.Log.Level, "log level")

	return fs.Parse(args)
}
