// Command qsign signs PDF documents with a certificate from the personal
// store, a PKCS#11 token or a PKCS#12 container.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remiblancher/qsign/internal/audit"
	"github.com/remiblancher/qsign/internal/config"
	"github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/internal/logging"
)

// Build-time variables (injected by GoReleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath   string
	envFile      string
	logLevel     string
	auditLogPath string
)

// app holds the state built once per invocation by the root command.
var app struct {
	cfg   *config.Config
	log   *zap.Logger
	audit audit.Writer
}

func main() {
	// Cancel the command context on SIGINT/SIGTERM so PKCS#11 sessions
	// are released before exit.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	stop()
	closeApp()
	crypto.CloseAllPools()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "qsign",
	Short: "qsign - PDF digital signature tool",
	Long: `qsign produces a digitally signed copy of a PDF document.

The signing identity comes from the personal certificate store (selected
by SHA-1 thumbprint), a PKCS#11 token, or a PKCS#12 (.p12/.pfx) container.
An RFC 3161 timestamp can be added from an ordered list of public
timestamp authorities; when none answers, the document is signed
without one.

Examples:
  # List signing identities in the store
  qsign cert list

  # Sign with a store certificate and a timestamp
  qsign sign contract.pdf --thumbprint 3f2a... --timestamp

  # Sign with a PKCS#12 container
  qsign sign contract.pdf --container me.p12 --password env:P12_PASS -o signed.pdf

  # Check which timestamp authorities answer
  qsign tsa list --test

  # Run the local HTTP bridge
  qsign serve --addr 127.0.0.1:8484`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initApp()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeApp()
	},
}

func init() {
	// Global persistent flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to YAML configuration (or set QSIGN_CONFIG env var)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "",
		"Load environment variables from this file (default: .env if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&auditLogPath, "audit-log", "",
		"Path to audit log file (or set QSIGN_AUDIT_LOG env var)")

	rootCmd.AddCommand(certCmd)     // qsign cert ...
	rootCmd.AddCommand(storeCmd)    // qsign store ...
	rootCmd.AddCommand(signCmd)     // qsign sign
	rootCmd.AddCommand(validateCmd) // qsign validate
	rootCmd.AddCommand(verifyCmd)   // qsign verify
	rootCmd.AddCommand(tsaCmd)      // qsign tsa ...
	rootCmd.AddCommand(auditCmd)    // qsign audit ...
	rootCmd.AddCommand(serveCmd)    // qsign serve
}

// initApp loads the environment and configuration, then builds the
// logger and audit writer.
func initApp() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	path := configPath
	if path == "" {
		path = os.Getenv("QSIGN_CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if auditLogPath == "" {
		auditLogPath = os.Getenv("QSIGN_AUDIT_LOG")
	}
	if auditLogPath != "" {
		cfg.Audit.File = auditLogPath
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	writers := []audit.Writer{}
	if cfg.Audit.File != "" {
		fw, err := audit.NewFileWriter(cfg.Audit.File)
		if err != nil {
			return fmt.Errorf("failed to initialize audit log: %w", err)
		}
		writers = append(writers, fw)
	}
	writers = append(writers, audit.NewLogWriter(log))

	app.cfg = cfg
	app.log = log
	app.audit = audit.NewMultiWriter(writers...)
	return nil
}

// closeApp flushes the audit trail and the logger. It is safe to call
// more than once.
func closeApp() error {
	var err error
	if app.audit != nil {
		err = app.audit.Close()
		app.audit = nil
	}
	if app.log != nil {
		_ = app.log.Sync()
		app.log = nil
	}
	return err
}
