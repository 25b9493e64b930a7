// irbridge - IR remote to BluOS receiver and webOS TV bridge
//
// irbridge reads button presses from IR receivers exposed as evdev devices,
// debounces them, synthesizes steady repeats while a button is held, watches
// for secret codes and dispatches the resulting commands:
//
//	irbridge run            Run the bridge
//	irbridge devices        List input devices
//	irbridge history        Show recently dispatched commands
//	irbridge check-config   Validate the configuration
//	irbridge init           Write a default configuration file
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"irbridge/internal/config"
	"irbridge/internal/input"
	"irbridge/internal/journal"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "run":
		cmdRun()
	case "devices":
		cmdDevices()
	case "history":
		cmdHistory()
	case "check-config":
		cmdCheckConfig()
	case "init":
		cmdInit()
	case "version", "-v", "--version":
		fmt.Printf("irbridge %s\n", version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`irbridge - IR remote bridge for BluOS receivers and webOS TVs

USAGE:
    irbridge <command> [options]

COMMANDS:
    run                 Run the bridge
    devices             List input devices and their event nodes
    history             Show recently dispatched commands
    check-config        Validate the configuration and print warnings
    init                Write a default configuration file
    version             Print the version
    help                Show this help message

COMMON OPTIONS:
    -config <path>      Configuration file
                        (default: $XDG_CONFIG_HOME/irbridge/config.toml)

RUN OPTIONS:
    -terminal           Also read keys from this terminal (+ - m, arrows,
                        Enter, b); Ctrl-C quits
    -debug              Log at debug level

SIGNALS:
    SIGUSR1             Log component health
    SIGINT, SIGTERM     Shut down

The configuration file is watched; logging.level changes apply at once,
other sections need a restart.`)
}

// resolveConfigPath returns the explicit path, an existing config file, or
// the default location.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if found := config.FindConfigFile(config.PlatformConfigDir()); found != "" {
		return found
	}
	return config.ConfigPath()
}

func loadConfig(path string) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(resolveConfigPath(path))
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", loader.Path(), err)
	}
	return loader, cfg, nil
}

func cmdCheckConfig() {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	fs.Parse(os.Args[2:])

	path := resolveConfigPath(*configPath)
	fmt.Printf("Config: %s\n", path)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("(file not found, checking defaults)")
	}

	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid: %v\n", err)
		os.Exit(1)
	}

	for _, w := range config.ValidateConfig(cfg).Warnings() {
		fmt.Printf("  %s: %s\n", w.Field, strings.TrimPrefix(w.Message, "warning: "))
	}

	fmt.Printf("Inputs: %d\n", len(cfg.Inputs))
	for _, r := range cfg.Remotes {
		fmt.Printf("Remote %-12s %d keys\n", r.Name, len(r.Keys))
	}
	for _, c := range cfg.SecretCodes {
		fmt.Printf("Code   %-12s %s -> %s\n", c.ID, strings.Join(c.Trigger, ","), c.ActivationOutput)
	}
	fmt.Println("OK")
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	configPath := fs.String("config", config.ConfigPath(), "Configuration file to create")
	fs.Parse(os.Args[2:])

	_, created, err := config.LoadOrCreate(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !created {
		fmt.Printf("Config already exists: %s\n", *configPath)
		return
	}
	fmt.Printf("Wrote default config: %s\n", *configPath)
	fmt.Println("Edit [[inputs]] to point at your IR receiver; see 'irbridge devices'.")
}

func cmdDevices() {
	devices, err := input.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing devices: %v\n", err)
		os.Exit(1)
	}
	if len(devices) == 0 {
		fmt.Println("No input devices found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tNAME\tHANDLERS")
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.Path, d.Name, strings.Join(d.Handlers, " "))
	}
	w.Flush()
}

func cmdHistory() {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	n := fs.Int("n", 50, "Number of entries")
	repeats := fs.Bool("repeats", false, "Include synthesized repeats")
	sessions := fs.Bool("sessions", false, "List daemon runs instead")
	fs.Parse(os.Args[2:])

	_, cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if _, err := os.Stat(cfg.Journal.Path); os.IsNotExist(err) {
		fmt.Printf("No journal at %s\n", cfg.Journal.Path)
		return
	}

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening journal: %v\n", err)
		os.Exit(1)
	}
	defer j.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *sessions {
		list, err := j.Sessions(ctx, *n)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, s := range list {
			fmt.Printf("%s  %s  %s  %s\n", s.StartedAt.Local().Format("2006-01-02 15:04:05"), s.ID, s.Version, s.Hostname)
		}
		return
	}

	entries, err := j.Recent(ctx, *n, *repeats)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printEntries(os.Stdout, entries)
}
