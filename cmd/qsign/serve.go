package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remiblancher/qsign/internal/api/router"
	"github.com/remiblancher/qsign/internal/api/server"
	"github.com/remiblancher/qsign/internal/api/service"
	"github.com/remiblancher/qsign/internal/metrics"
	"github.com/remiblancher/qsign/internal/pdf"
	"github.com/remiblancher/qsign/internal/tsa"
)

// Serve command flags
var (
	serveAddr    string
	serveTLSCert string
	serveTLSKey  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local HTTP bridge",
	Long: `Start the local HTTP bridge used by host applications.

Endpoints:
  GET  /health               liveness
  GET  /ready                credential store check
  GET  /metrics              Prometheus metrics
  POST /api/v1/identity      resolve an identity (thumbprint or container)
  GET  /api/v1/identities    list store identities
  POST /api/v1/sign          sign a base64 document
  POST /api/v1/validate      check a base64 document
  GET  /api/v1/tsa           list authorities (?test=true probes them)

When the variable named by server.jwt_secret_env (default
QSIGN_JWT_SECRET) is set, /api/v1 requires an HS256 bearer token.

Examples:
  # Start on the default loopback address
  qsign serve

  # Start with TLS
  qsign serve --addr 127.0.0.1:8443 --tls-cert server.crt --tls-key server.key`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Address to bind to (default from config: 127.0.0.1:8484)")
	serveCmd.Flags().StringVar(&serveTLSCert, "tls-cert", "", "TLS certificate file")
	serveCmd.Flags().StringVar(&serveTLSKey, "tls-key", "", "TLS private key file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := app.cfg
	h, err := cfg.HashAlgorithm()
	if err != nil {
		return err
	}

	m := metrics.New()
	client, err := tsa.NewClient(cfg.TSAConfig(),
		tsa.WithLogger(app.log),
		tsa.WithAudit(app.audit),
		tsa.WithRecorder(m))
	if err != nil {
		return err
	}

	svc := service.NewSigningService(service.Config{
		OpenStore:       cfg.OpenStore,
		TSA:             client,
		TimestampBudget: cfg.Timestamp.Budget,
		Hash:            h,
		Defaults: pdf.Metadata{
			Reason:      cfg.Signature.Reason,
			Location:    cfg.Signature.Location,
			ContactInfo: cfg.Signature.ContactInfo,
		},
		Logger:        app.log,
		Audit:         app.audit,
		Recorder:      m,
		ProbeCacheTTL: cfg.Server.ProbeCacheTTL,
	})

	handler := router.New(&router.Config{
		Version:        version,
		Service:        svc,
		Metrics:        m,
		Logger:         app.log,
		Audit:          app.audit,
		JWTSecret:      cfg.JWTSecret(),
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
	})

	srvCfg := server.DefaultConfig()
	srvCfg.Addr = cfg.Server.Addr
	if serveAddr != "" {
		srvCfg.Addr = serveAddr
	}
	if cfg.Server.ReadTimeout > 0 {
		srvCfg.ReadTimeout = cfg.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout > 0 {
		srvCfg.WriteTimeout = cfg.Server.WriteTimeout
	}
	srvCfg.TLSCert = serveTLSCert
	srvCfg.TLSKey = serveTLSKey

	if len(cfg.JWTSecret()) == 0 {
		app.log.Warn("bearer authentication disabled",
			zap.String("hint", "set "+cfg.Server.JWTSecretEnv+" to require tokens"))
	}

	return server.New(srvCfg, handler, version, app.log).Start(cmd.Context())
}
