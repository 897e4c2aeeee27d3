// Command rangeproxyctl is the admin CLI for rangeproxyd: CA lifecycle,
// manual file cache linting, and an introspection status table/TUI backed
// by the same state database the daemon writes to.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"rangeproxy/internal/ca"
	"rangeproxy/internal/cache"
	"rangeproxy/internal/config"
	"rangeproxy/internal/logging"
	"rangeproxy/internal/mfc"
	"rangeproxy/internal/state"
	"rangeproxy/internal/statustui"
)

var version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		usage()
		return errors.New("no command provided")
	}
	switch args[0] {
	case "ca":
		return handleCA(args[1:])
	case "mfc":
		return handleMFC(args[1:])
	case "status":
		return handleStatus(args[1:])
	case "tui":
		return handleTUICmd(ctx, args[1:])
	case "version":
		fmt.Println(version)
		return nil
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage() {
	fmt.Println(strings.TrimSpace(`rangeproxyctl - admin CLI for rangeproxyd

Usage:
  rangeproxyctl <command> [flags]

Commands:
  ca status            Show root CA fingerprint and expiry
  ca generate           Generate a new root CA (refuses to overwrite an existing one)
  mfc lint               Check manual file cache entries for missing/misspelled files
  status                 One-shot summary of active downloads and cache occupancy
  tui                    Live dashboard of active downloads and cache occupancy
  version                Print version

Flags:
  --config PATH     Path to rangeproxy.yaml (or RANGEPROXY_CONFIG env var)
`))
}

func loadConfig(fs *flag.FlagSet) (*config.Config, error) {
	cfgPath := fs.Lookup("config").Value.String()
	if cfgPath == "" {
		cfgPath = os.Getenv("RANGEPROXY_CONFIG")
	}
	if cfgPath == "" {
		return config.Default(), nil
	}
	return config.Load(cfgPath)
}

func handleCA(args []string) error {
	if len(args) == 0 {
		return errors.New("ca: expected a subcommand (status|generate)")
	}
	fs := flag.NewFlagSet("ca", flag.ContinueOnError)
	fs.String("config", "", "Path to rangeproxy.yaml")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	opts := ca.Options{
		CertPath: cfg.CA.CertFile,
		KeyPath:  cfg.CA.KeyFile,
		CRLPath:  cfg.CA.CRLFile,
	}
	switch args[0] {
	case "status":
		if !ca.Exists(opts) {
			return fmt.Errorf("no CA found at %s", cfg.CA.CertFile)
		}
		authority, err := ca.Load(opts)
		if err != nil {
			return err
		}
		fmt.Printf("fingerprint: %s\n", authority.Fingerprint())
		fmt.Printf("expires:     %s\n", authority.Expiry().Format(time.RFC3339))
		return nil
	case "generate":
		if _, err := ca.Generate(opts); err != nil {
			return err
		}
		fmt.Printf("generated CA at %s\n", cfg.CA.CertFile)
		return nil
	default:
		return fmt.Errorf("ca: unknown subcommand %s", args[0])
	}
}

func handleMFC(args []string) error {
	if len(args) == 0 || args[0] != "lint" {
		return errors.New("mfc: expected subcommand \"lint\"")
	}
	fs := flag.NewFlagSet("mfc lint", flag.ContinueOnError)
	fs.String("config", "", "Path to rangeproxy.yaml")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	cfg, err := loadConfig(fs)
	if err != nil {
		return err
	}
	cfgMFC, err := mfc.Load(cfg.MFC.Path)
	if err != nil {
		return err
	}
	issues := mfc.Lint(cfgMFC)
	if len(issues) == 0 {
		fmt.Println("mfc lint: no issues found")
		return nil
	}
	for _, issue := range issues {
		if issue.Suggestion != "" {
			fmt.Printf("%s: %s not found, did you mean %s?\n", issue.URL, issue.Path, issue.Suggestion)
		} else {
			fmt.Printf("%s: %s not found\n", issue.URL, issue.Path)
		}
	}
	return fmt.Errorf("mfc lint: %d issue(s) found", len(issues))
}

func openIntrospection(fs *flag.FlagSet) (*state.DB, *cache.Store, error) {
	cfg, err := loadConfig(fs)
	if err != nil {
		return nil, nil, err
	}
	db, err := state.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening state database: %w", err)
	}
	store, err := cache.Open(cfg.General.CacheRoot, logging.New("error", false), cache.Options{Enabled: true})
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("opening cache: %w", err)
	}
	return db, store, nil
}

func handleStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.String("config", "", "Path to rangeproxy.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	db, store, err := openIntrospection(fs)
	if err != nil {
		return err
	}
	defer db.Close()

	downloads, err := db.ListActiveDownloads()
	if err != nil {
		return err
	}
	if len(downloads) == 0 {
		fmt.Println("no active downloads")
	}
	for _, d := range downloads {
		fmt.Printf("%-60s %10s %4d/%-3d chunks  %s\n",
			d.URL, humanize.Bytes(uint64(d.TotalSize)), d.CompletedChunks, d.ChunkCount, d.Status)
	}
	stat := store.Stat()
	fmt.Printf("cache: %d shards, %d entries, %s\n", stat.Shards, stat.Entries, humanize.Bytes(uint64(stat.TotalBytes)))
	return nil
}

func handleTUICmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tui", flag.ContinueOnError)
	fs.String("config", "", "Path to rangeproxy.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	db, store, err := openIntrospection(fs)
	if err != nil {
		return err
	}
	defer db.Close()

	m := statustui.New(db, store, 2*time.Second)
	p := tea.NewProgram(m)
	_, err = p.Run()
	return err
}
