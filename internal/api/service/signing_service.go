// Package service provides business logic for the REST API.
package service

import (
	"context"
	"crypto"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/remiblancher/qsign/internal/api/dto"
	apierrors "github.com/remiblancher/qsign/internal/api/errors"
	"github.com/remiblancher/qsign/internal/audit"
	"github.com/remiblancher/qsign/internal/credential"
	"github.com/remiblancher/qsign/internal/pdf"
	"github.com/remiblancher/qsign/internal/tsa"
)

const probeCacheKey = "tsa-probe"

// Config holds the dependencies of a SigningService.
type Config struct {
	// OpenStore opens the credential store. Nil disables store identities.
	OpenStore func() (credential.Store, error)

	// TSA is the timestamp client. Nil disables timestamping.
	TSA *tsa.Client

	// TimestampBudget bounds the timestamp stage of one signing run. It
	// must stay below the server write timeout.
	TimestampBudget time.Duration

	Hash     crypto.Hash
	Defaults pdf.Metadata
	Logger   *zap.Logger
	Audit    audit.Writer
	Recorder pdf.Recorder

	// ProbeCacheTTL bounds how long TSA probe results are reused.
	ProbeCacheTTL time.Duration
}

// SigningService provides identity, signing and TSA operations for the
// REST API. Each call works on its own credential.Manager.
type SigningService struct {
	cfg    Config
	log    *zap.Logger
	probes *gocache.Cache
}

// NewSigningService creates a new SigningService.
func NewSigningService(cfg Config) *SigningService {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Hash == 0 {
		cfg.Hash = crypto.SHA256
	}
	if cfg.ProbeCacheTTL <= 0 {
		cfg.ProbeCacheTTL = 5 * time.Minute
	}
	return &SigningService{
		cfg:    cfg,
		log:    cfg.Logger.Named("api"),
		probes: gocache.New(cfg.ProbeCacheTTL, time.Minute),
	}
}

func (s *SigningService) newManager() (*credential.Manager, error) {
	var store credential.Store
	if s.cfg.OpenStore != nil {
		st, err := s.cfg.OpenStore()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", credential.ErrStoreUnavailable, err)
		}
		store = st
	}
	return credential.NewManager(store,
		credential.WithLogger(s.cfg.Logger),
		credential.WithAudit(s.cfg.Audit)), nil
}

// resolve loads the identity selected by req into a fresh manager. The
// caller owns the manager and must Cleanup it.
func (s *SigningService) resolve(ctx context.Context, req *dto.IdentityRequest) (*credential.Manager, error) {
	hasThumb := req.Thumbprint != ""
	hasContainer := req.Container != nil && req.Container.Data != ""
	if hasThumb == hasContainer {
		return nil, fmt.Errorf("%w: exactly one of thumbprint and container is required", apierrors.ErrBadRequest)
	}

	var p12 []byte
	if hasContainer {
		data, err := req.Container.Decode()
		if err != nil {
			return nil, fmt.Errorf("%w: container: %v", apierrors.ErrBadRequest, err)
		}
		p12 = data
	}

	m, err := s.newManager()
	if err != nil {
		return nil, err
	}
	if hasThumb {
		err = m.LoadFromStore(ctx, req.Thumbprint)
	} else {
		err = m.LoadFromContainerData(p12, req.Password)
	}
	if err != nil {
		m.Cleanup()
		return nil, err
	}
	return m, nil
}

// Identity resolves an identity and reports its certificate.
func (s *SigningService) Identity(ctx context.Context, req *dto.IdentityRequest) (*dto.IdentityResponse, error) {
	m, err := s.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	defer m.Cleanup()

	source := credential.SourceContainer
	if id := m.Identity(); id != nil {
		source = id.Source
	}
	return &dto.IdentityResponse{
		Source:      source,
		Certificate: m.Info(),
		Valid:       m.Validate(),
	}, nil
}

// Identities lists the store identities with a usable key.
func (s *SigningService) Identities(ctx context.Context) (*dto.IdentityListResponse, error) {
	m, err := s.newManager()
	if err != nil {
		return nil, err
	}
	defer m.Cleanup()

	infos, err := m.ListAvailable(ctx)
	if err != nil {
		return nil, err
	}
	return &dto.IdentityListResponse{Identities: infos}, nil
}

// Sign signs the uploaded document. Pipeline failures are reported in
// the response together with the error that caused them.
func (s *SigningService) Sign(ctx context.Context, req *dto.SignRequest) (*dto.SignResponse, error) {
	doc, err := req.Document.Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: document: %v", apierrors.ErrBadRequest, err)
	}
	if req.Position.Page == 0 {
		req.Position.Page = 1
	}

	m, err := s.resolve(ctx, &req.Identity)
	if err != nil {
		return nil, err
	}
	defer m.Cleanup()

	opts := []pdf.Option{
		pdf.WithHash(s.cfg.Hash),
		pdf.WithDefaults(s.cfg.Defaults),
		pdf.WithLogger(s.cfg.Logger),
		pdf.WithAudit(s.cfg.Audit),
		pdf.WithRecorder(s.cfg.Recorder),
	}
	if s.cfg.TSA != nil {
		opts = append(opts,
			pdf.WithTimestamper(s.cfg.TSA),
			pdf.WithTimestampBudget(s.cfg.TimestampBudget))
	}

	out := pdf.NewSigner(opts...).Sign(ctx, m, pdf.Request{
		Input:            doc,
		Position:         req.Position,
		IncludeTimestamp: req.IncludeTimestamp,
		Metadata:         req.Metadata,
	})

	resp := &dto.SignResponse{
		Success:            out.Success,
		Error:              out.Error,
		FailedStage:        string(out.FailedStage),
		OperationID:        out.OperationID,
		TimestampAuthority: out.TimestampAuthority,
		SigningTime:        out.SigningTime,
		OriginalSize:       out.OriginalSize,
		SignedSize:         out.SignedSize,
	}
	if out.Success {
		signed := dto.NewBase64(out.Output)
		resp.Document = &signed
		return resp, nil
	}
	return resp, out.Err
}

// Validate checks the uploaded document.
func (s *SigningService) Validate(_ context.Context, req *dto.ValidateRequest) (*dto.ValidateResponse, error) {
	doc, err := req.Document.Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: document: %v", apierrors.ErrBadRequest, err)
	}
	return pdf.InspectBytes(doc), nil
}

// Authorities lists the timestamp authorities. With test set, each is
// probed; probe results are cached for the configured TTL.
func (s *SigningService) Authorities(ctx context.Context, test bool) (*dto.TSAListResponse, error) {
	if s.cfg.TSA == nil {
		return nil, fmt.Errorf("%w: timestamping is not configured", tsa.ErrNoAuthorities)
	}
	resp := &dto.TSAListResponse{Encoding: string(s.cfg.TSA.Encoding()), Tested: test}

	if !test {
		for _, a := range s.cfg.TSA.Authorities() {
			resp.Authorities = append(resp.Authorities, dto.TSAAuthority{
				Name: a.Name, URL: a.URL, RequiresAuth: a.RequiresAuth,
			})
		}
		return resp, nil
	}

	if cached, ok := s.probes.Get(probeCacheKey); ok {
		if list, ok := cached.([]dto.TSAAuthority); ok {
			s.log.Debug("using cached tsa probe results")
			resp.Authorities = list
			return resp, nil
		}
	}

	results := s.cfg.TSA.TestAll(ctx)
	list := make([]dto.TSAAuthority, 0, len(results))
	for _, res := range results {
		available := res.Available
		list = append(list, dto.TSAAuthority{
			Name:         res.Name,
			URL:          res.URL,
			RequiresAuth: res.RequiresAuth,
			Available:    &available,
			StatusCode:   res.StatusCode,
			LatencyMS:    res.Latency.Milliseconds(),
			Error:        res.Error,
		})
	}
	if ctx.Err() == nil {
		s.probes.SetDefault(probeCacheKey, list)
	}
	resp.Authorities = list
	return resp, nil
}

// StoreReady reports whether the credential store can be listed.
func (s *SigningService) StoreReady(ctx context.Context) bool {
	if s.cfg.OpenStore == nil {
		return true
	}
	store, err := s.cfg.OpenStore()
	if err != nil {
		return false
	}
	_, err = store.Certificates(ctx)
	return err == nil
}
