package pdf

import (
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/remiblancher/qsign/internal/audit"
	"github.com/remiblancher/qsign/internal/credential"
	qcrypto "github.com/remiblancher/qsign/internal/crypto"
	"github.com/remiblancher/qsign/internal/tsa"
)

// State is a stage of the signing pipeline.
type State string

const (
	StateIdle             State = "idle"
	StateReading          State = "reading"
	StateValidating       State = "validating"
	StateHashing          State = "hashing"
	StateSigning          State = "signing"
	StateTimestampPending State = "timestamp_pending"
	StateEmbedding        State = "embedding"
	StateWriting          State = "writing"
	StateDone             State = "done"
	StateFailed           State = "failed"
)

// KeySource produces signatures for a loaded identity. credential.Manager
// implements it.
type KeySource interface {
	Certificate() *x509.Certificate
	SignDigest(digest []byte, h crypto.Hash) ([]byte, error)
}

// Timestamper obtains timestamp tokens. tsa.Client implements it.
type Timestamper interface {
	GetTimestamp(ctx context.Context, digest []byte, h crypto.Hash) (*tsa.Outcome, error)
}

// Recorder receives signing metrics.
type Recorder interface {
	DocumentSigned(ok bool, stage string, timestamped bool, d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) DocumentSigned(bool, string, bool, time.Duration) {}

// Request is a typed signing request. Exactly one of InputPath and Input
// is set. An empty OutputPath returns the signed bytes in the outcome.
type Request struct {
	InputPath        string
	Input            []byte
	OutputPath       string
	Position         Position
	IncludeTimestamp bool
	Metadata         Metadata
}

// Validate checks the request shape.
func (r *Request) Validate() error {
	switch {
	case r.InputPath == "" && r.Input == nil:
		return fmt.Errorf("%w: no input document", ErrInvalidRequest)
	case r.InputPath != "" && r.Input != nil:
		return fmt.Errorf("%w: both input path and input bytes set", ErrInvalidRequest)
	}
	if err := r.Position.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// Outcome is the result of a signing run. Sign never returns an error:
// every failure is an Outcome with Success false.
type Outcome struct {
	Success            bool   `json:"success"`
	Error              string `json:"error,omitempty"`
	OutputPath         string `json:"output_path,omitempty"`
	Output             []byte `json:"-"`
	TimestampAuthority string `json:"timestamp_authority"`
	SigningTime        string `json:"signing_time,omitempty"`
	OriginalSize       int64  `json:"original_size"`
	SignedSize         int64  `json:"signed_size"`
	State              State  `json:"state"`
	FailedStage        State  `json:"failed_stage,omitempty"`
	OperationID        string `json:"operation_id"`

	// Err is the first error, for errors.Is against the package sentinels.
	Err error `json:"-"`
}

// Signer runs the sign pipeline. A Signer holds no per-document state
// and may be reused; the KeySource passed to Sign must not be shared by
// concurrent runs.
type Signer struct {
	hash      crypto.Hash
	tsa       Timestamper
	tsaBudget time.Duration
	defaults  Metadata
	log       *zap.Logger
	rec       Recorder
	audit     audit.Writer
	now       func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithHash sets the document digest algorithm. The default is SHA-256.
func WithHash(h crypto.Hash) Option {
	return func(s *Signer) { s.hash = h }
}

// WithTimestamper sets the timestamp client.
func WithTimestamper(t Timestamper) Option {
	return func(s *Signer) { s.tsa = t }
}

// WithTimestampBudget bounds the whole timestamp stage. When it runs
// out, the document is signed without a timestamp. Zero means no bound
// beyond the caller's context.
func WithTimestampBudget(d time.Duration) Option {
	return func(s *Signer) { s.tsaBudget = d }
}

// WithDefaults sets the metadata used when a request leaves a field empty.
func WithDefaults(m Metadata) Option {
	return func(s *Signer) { s.defaults = m }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Signer) {
		if log != nil {
			s.log = log.Named("pdf")
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Signer) {
		if r != nil {
			s.rec = r
		}
	}
}

// WithAudit sets the audit writer.
func WithAudit(w audit.Writer) Option {
	return func(s *Signer) { s.audit = audit.OrNop(w) }
}

// WithClock overrides the signing time source.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSigner creates a Signer.
func NewSigner(opts ...Option) *Signer {
	s := &Signer{
		hash:     crypto.SHA256,
		defaults: Metadata{Reason: "Digital Signature"},
		log:      zap.NewNop(),
		rec:      nopRecorder{},
		audit:    audit.NopWriter{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run tracks one pass through the pipeline.
type run struct {
	out   *Outcome
	state State
	log   *zap.Logger
}

func (r *run) enter(ctx context.Context, s State) error {
	r.state = s
	r.out.State = s
	return ctx.Err()
}

func (r *run) fail(err error) *Outcome {
	stage := r.state
	r.out.Success = false
	r.out.FailedStage = stage
	r.out.State = StateFailed
	r.out.Err = &StageError{Stage: stage, Err: err}
	r.out.Error = err.Error()
	r.out.Output = nil
	r.log.Warn("signing failed", zap.String("stage", string(stage)), zap.Error(err))
	return r.out
}

// Sign runs read, validate, hash, sign, timestamp, embed and write for
// req. Identity and document failures abort the run; a timestamp failure
// only leaves the outcome's TimestampAuthority empty.
func (s *Signer) Sign(ctx context.Context, keys KeySource, req Request) *Outcome {
	start := time.Now()
	out := &Outcome{OperationID: uuid.NewString(), State: StateIdle}
	r := &run{out: out, state: StateIdle, log: s.log.With(zap.String("operation_id", out.OperationID))}

	s.execute(ctx, r, keys, &req)

	stage := string(out.FailedStage)
	if out.Success {
		stage = string(StateDone)
	}
	s.rec.DocumentSigned(out.Success, stage, out.TimestampAuthority != "", time.Since(start))
	s.record(out, keys, &req)
	return out
}

func (s *Signer) execute(ctx context.Context, r *run, keys KeySource, req *Request) {
	out := r.out

	if err := req.Validate(); err != nil {
		r.fail(err)
		return
	}

	// Reading
	if err := r.enter(ctx, StateReading); err != nil {
		r.fail(err)
		return
	}
	data := req.Input
	if req.InputPath != "" {
		var err error
		data, err = os.ReadFile(req.InputPath)
		if err != nil {
			r.fail(fmt.Errorf("%w: %v", ErrReadFailed, err))
			return
		}
	}
	out.OriginalSize = int64(len(data))

	// Validating
	if err := r.enter(ctx, StateValidating); err != nil {
		r.fail(err)
		return
	}
	if !HasHeader(data) {
		r.fail(ErrInvalidFormat)
		return
	}

	// Hashing
	if err := r.enter(ctx, StateHashing); err != nil {
		r.fail(err)
		return
	}
	digest, err := qcrypto.Digest(s.hash, data)
	if err != nil {
		r.fail(fmt.Errorf("%w: %v", ErrDigestFailed, err))
		return
	}

	// Signing
	if err := r.enter(ctx, StateSigning); err != nil {
		r.fail(err)
		return
	}
	var cert *x509.Certificate
	if keys != nil {
		cert = keys.Certificate()
	}
	if cert == nil {
		r.fail(ErrNoPrivateKey)
		return
	}
	sig, err := keys.SignDigest(digest, s.hash)
	if err != nil {
		if errors.Is(err, credential.ErrNoIdentity) {
			r.fail(fmt.Errorf("%w: %v", ErrNoPrivateKey, err))
		} else {
			r.fail(fmt.Errorf("%w: %v", ErrSignFailed, err))
		}
		return
	}
	signingTime := s.now()

	// TimestampPending
	if err := r.enter(ctx, StateTimestampPending); err != nil {
		r.fail(err)
		return
	}
	var token []byte
	if req.IncludeTimestamp {
		token = s.timestamp(ctx, r, sig)
	}

	// Embedding
	if err := r.enter(ctx, StateEmbedding); err != nil {
		r.fail(err)
		return
	}
	dict := &SignatureDict{
		Signature:   sig,
		Timestamp:   token,
		Certificate: cert.Raw,
		Hash:        s.hash,
		SigningTime: signingTime,
		Position:    req.Position,
		Metadata:    req.Metadata.withDefaults(s.defaults),
	}
	if dict.Metadata.SignerName == "" {
		dict.Metadata.SignerName = cert.Subject.CommonName
	}
	signed, err := Embed(data, dict)
	if err != nil {
		r.fail(err)
		return
	}

	// Writing
	if err := r.enter(ctx, StateWriting); err != nil {
		r.fail(err)
		return
	}
	if req.OutputPath != "" {
		if err := writeFileAtomic(req.OutputPath, signed, 0644); err != nil {
			r.fail(fmt.Errorf("%w: %v", ErrWriteFailed, err))
			return
		}
		out.OutputPath = req.OutputPath
	} else {
		out.Output = signed
	}

	out.SignedSize = int64(len(signed))
	out.SigningTime = signingTime.UTC().Format(signingTimeLayout)
	out.Success = true
	out.State = StateDone
	r.state = StateDone
	r.log.Info("document signed",
		zap.Int64("original_size", out.OriginalSize),
		zap.Int64("signed_size", out.SignedSize),
		zap.String("tsa", out.TimestampAuthority))
}

// timestamp requests a token over the signature bytes. Failures are
// logged and yield nil.
func (s *Signer) timestamp(ctx context.Context, r *run, sig []byte) []byte {
	if s.tsa == nil {
		r.log.Warn("timestamp requested but no timestamp client configured")
		return nil
	}
	digest, err := qcrypto.Digest(s.hash, sig)
	if err != nil {
		r.log.Warn("timestamp skipped", zap.Error(err))
		return nil
	}
	if s.tsaBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.tsaBudget)
		defer cancel()
	}
	res, err := s.tsa.GetTimestamp(ctx, digest, s.hash)
	if err != nil || res == nil || !res.Success || len(res.Token) == 0 {
		if err == nil {
			err = errors.New("no token returned")
		}
		r.log.Warn("continuing without timestamp", zap.Error(err))
		return nil
	}
	r.out.TimestampAuthority = res.Authority
	return res.Token
}

func (s *Signer) record(out *Outcome, keys KeySource, req *Request) {
	obj := audit.Object{Type: "document", Path: req.OutputPath}
	if obj.Path == "" {
		obj.Path = req.InputPath
	}
	if keys != nil {
		if cert := keys.Certificate(); cert != nil {
			obj.Subject = cert.Subject.String()
			obj.Serial = credential.SerialHex(cert)
			obj.Thumbprint = credential.Thumbprint(cert)
		}
	}
	actx := audit.Context{
		OperationID: out.OperationID,
		Algorithm:   qcrypto.HashName(s.hash),
		Authority:   out.TimestampAuthority,
		Stage:       string(out.FailedStage),
		Reason:      out.Error,
		Size:        out.SignedSize,
		Timestamped: out.TimestampAuthority != "",
	}
	event := audit.NewEvent(audit.EventDocumentSigned, audit.ResultOf(out.Success)).
		WithObject(obj).
		WithContext(actx)
	if err := s.audit.Write(event); err != nil {
		s.log.Error("audit write failed", zap.Error(err))
	}
}
