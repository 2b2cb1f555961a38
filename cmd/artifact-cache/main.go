// Command artifact-cache runs the local artifact cache daemon and talks to it.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
)

var version = "dev"

// CLI is the command line of artifact-cache.
type CLI struct {
	Globals

	Serve ServeCmd `cmd:"" help:"Run the cache daemon."`
	Get   GetCmd   `cmd:"" help:"Fetch the content stored under a key."`
	Put   PutCmd   `cmd:"" help:"Store content under a key."`
	Stat  StatCmd  `cmd:"" help:"Show the metadata of a key without recording an access."`
	Evict EvictCmd `cmd:"" help:"Remove a key."`
	Ping  PingCmd  `cmd:"" help:"Check that the daemon is answering."`
	GC    GCCmd    `cmd:"" name:"gc" help:"Run reclamation now through the admin server."`
}

// Globals are flags shared by every command.
type Globals struct {
	Config    kong.ConfigFlag  `help:"YAML configuration file."`
	Version   kong.VersionFlag `help:"Print version and exit."`
	Socket    string           `help:"Daemon socket path." default:"${socket}" type:"path"`
	LogLevel  string           `help:"Log level." default:"info" enum:"debug,info,warn,error"`
	LogFormat string           `help:"Log format." default:"text" enum:"text,json"`
	LogFile   string           `help:"Write logs to this file with rotation instead of stderr." type:"path"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("artifact-cache"),
		kong.Description("A local content-addressed artifact cache daemon."),
		kong.UsageOnError(),
		kong.DefaultEnvars("ARTIFACT_CACHE"),
		kong.Configuration(yamlLoader),
		kong.Vars(defaultVars()),
	)

	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// defaultVars resolves the default cache directory and socket path.
// The socket lives under XDG_RUNTIME_DIR when set, else in the cache
// directory.
func defaultVars() kong.Vars {
	cacheDir := "./cache"
	if dir, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(dir, "artifact-cache")
	}

	socket := filepath.Join(cacheDir, "sock")
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		socket = filepath.Join(dir, "artifact-cache", "sock")
	}

	return kong.Vars{
		"version":   version,
		"cache_dir": cacheDir,
		"socket":    socket,
	}
}
