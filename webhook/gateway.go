package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/mudtools/MudFeishu-sub002/dispatch"
	"github.com/mudtools/MudFeishu-sub002/envelope"
	"github.com/mudtools/MudFeishu-sub002/errors"
	"github.com/mudtools/MudFeishu-sub002/metric"
)

// Signature headers.
const (
	HeaderTimestamp = "X-Lark-Request-Timestamp"
	HeaderNonce     = "X-Lark-Request-Nonce"
	HeaderSignature = "X-Lark-Signature"
)

const typeURLVerification = "url_verification"

// Response codes carried in the JSON body.
const (
	codeOK            = 0
	codeInvalidFormat = 1
	codeHandlerError  = 2
)

// EventProcessor performs dedup and dispatch. *ingest.Processor implements it.
type EventProcessor interface {
	Process(ctx context.Context, env *envelope.Envelope) dispatch.Result
}

// Gateway is the webhook http.Handler.
type Gateway struct {
	config    Config
	processor EventProcessor
	sources   []netip.Prefix
	sem       *semaphore.Weighted
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *metric.Metrics
	now       func() time.Time
	router    chi.Router
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics records response codes and in-flight dispatches.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(g *Gateway) {
		g.metrics = registry.CoreMetrics()
	}
}

// WithClock overrides the time source used for arrival times and skew checks.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// New validates cfg and builds the gateway.
func New(cfg Config, processor EventProcessor, opts ...Option) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sources, err := cfg.prefixes()
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		config:    cfg,
		processor: processor,
		sources:   sources,
		sem:       semaphore.NewWeighted(int64(cfg.MaxConcurrentEvents)),
		logger:    slog.Default(),
		now:       time.Now,
	}
	if cfg.MaxRequestsPerSecond > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.RequestBurst)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	g.logger = g.logger.With("component", "webhook")
	g.router = g.routes()
	return g, nil
}

func (g *Gateway) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	if g.config.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	if g.config.EnableRequestLogging {
		r.Use(LoggingMiddleware(g.logger))
	}
	r.Use(middleware.Recoverer)

	// method checking happens in serveEvent so it precedes the size and source checks
	r.Handle(g.config.RoutePrefix, http.HandlerFunc(g.serveEvent))
	return r
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// RoutePrefix returns the path the gateway serves.
func (g *Gateway) RoutePrefix() string {
	return g.config.RoutePrefix
}

// outerBody covers the plaintext event, the encrypted wrapper and body-mode signatures.
type outerBody struct {
	Encrypt   string `json:"encrypt"`
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

type signature struct {
	timestamp, nonce, value string
	signed                  []byte
}

func (g *Gateway) serveEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		g.reply(w, http.StatusMethodNotAllowed, codeInvalidFormat, "method not allowed")
		return
	}
	if r.ContentLength > g.config.MaxRequestBodySize {
		g.reply(w, http.StatusRequestEntityTooLarge, codeInvalidFormat, "request body too large")
		return
	}
	if !g.sourceAllowed(r.RemoteAddr) {
		g.logger.Warn("Rejected webhook from disallowed source", "remote_addr", r.RemoteAddr)
		g.reply(w, http.StatusForbidden, codeInvalidFormat, "source not allowed")
		return
	}
	if g.limiter != nil && !g.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		g.reply(w, http.StatusTooManyRequests, codeHandlerError, "rate limited")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.config.MaxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			g.reply(w, http.StatusRequestEntityTooLarge, codeInvalidFormat, "request body too large")
			return
		}
		g.reply(w, http.StatusBadRequest, codeInvalidFormat, "invalid format")
		return
	}

	var outer outerBody
	if err := json.Unmarshal(body, &outer); err != nil {
		g.reply(w, http.StatusBadRequest, codeInvalidFormat, "invalid format")
		return
	}

	if outer.Type == typeURLVerification {
		g.answerChallenge(w, &outer)
		return
	}

	sig, hasSig := g.signatureOf(r, &outer, body)

	if hasSig && g.config.EncryptKey != "" {
		if !VerifySignature(sig.timestamp, sig.nonce, g.config.EncryptKey, sig.signed, sig.value) {
			g.logger.Warn("Webhook signature mismatch", "request_id", RequestID(r.Context()))
			g.reply(w, http.StatusUnauthorized, codeInvalidFormat, "signature mismatch")
			return
		}
		if !g.withinSkew(sig.timestamp) {
			g.logger.Warn("Webhook timestamp outside allowed window", "timestamp", sig.timestamp)
			g.reply(w, http.StatusUnauthorized, codeInvalidFormat, "stale request")
			return
		}
	}

	plain := body
	if outer.Encrypt != "" {
		if g.config.EncryptKey == "" {
			g.reply(w, http.StatusBadRequest, codeInvalidFormat, "invalid format")
			return
		}
		plain, err = Decrypt(outer.Encrypt, g.config.EncryptKey)
		if err != nil {
			g.logger.Warn("Webhook payload decryption failed", "error", err)
			g.reply(w, http.StatusBadRequest, codeInvalidFormat, "invalid format")
			return
		}
		outer = outerBody{}
		if err := json.Unmarshal(plain, &outer); err != nil {
			g.reply(w, http.StatusBadRequest, codeInvalidFormat, "invalid format")
			return
		}
	}

	if outer.Type == typeURLVerification {
		g.answerChallenge(w, &outer)
		return
	}

	// only url_verification may arrive unsigned once an encrypt key is configured
	if !hasSig && g.config.EncryptKey != "" {
		g.reply(w, http.StatusUnauthorized, codeInvalidFormat, "signature required")
		return
	}

	env, err := envelope.Parse(plain, envelope.TransportWebhook, g.now())
	if err != nil {
		g.reply(w, http.StatusBadRequest, codeInvalidFormat, "invalid format")
		return
	}
	if g.config.VerificationToken != "" && env.Token != g.config.VerificationToken {
		g.reply(w, http.StatusUnauthorized, codeInvalidFormat, "verification token mismatch")
		return
	}
	if env.EventID == "" && sig.nonce != "" && sig.timestamp != "" {
		env = env.WithDedupKey(sig.nonce + ":" + sig.timestamp)
	}

	if err := g.sem.Acquire(r.Context(), 1); err != nil {
		g.reply(w, http.StatusServiceUnavailable, codeHandlerError, "server busy")
		return
	}
	g.metrics.AddWebhookInFlight(1)
	result := g.processor.Process(r.Context(), env)
	g.metrics.AddWebhookInFlight(-1)
	g.sem.Release(1)

	if result.Outcome == dispatch.Failed {
		g.reply(w, http.StatusBadRequest, codeHandlerError, "handler error")
		return
	}
	g.reply(w, http.StatusOK, codeOK, "success")
}

// signatureOf prefers the headers; body mode signs the encrypt field and is ignored
// for plaintext bodies.
func (g *Gateway) signatureOf(r *http.Request, outer *outerBody, body []byte) (signature, bool) {
	sig := signature{
		timestamp: r.Header.Get(HeaderTimestamp),
		nonce:     r.Header.Get(HeaderNonce),
		value:     r.Header.Get(HeaderSignature),
		signed:    body,
	}
	if sig.value != "" {
		return sig, true
	}
	// body mode only signs the ciphertext, so a plaintext body cannot carry it
	if outer.Signature != "" && outer.Encrypt != "" {
		return signature{
			timestamp: outer.Timestamp,
			nonce:     outer.Nonce,
			value:     outer.Signature,
			signed:    []byte(outer.Encrypt),
		}, true
	}
	return sig, false
}

func (g *Gateway) answerChallenge(w http.ResponseWriter, outer *outerBody) {
	if g.config.VerificationToken != "" && outer.Token != g.config.VerificationToken {
		g.reply(w, http.StatusUnauthorized, codeInvalidFormat, "verification token mismatch")
		return
	}
	g.writeJSON(w, http.StatusOK, struct {
		Challenge string `json:"challenge"`
	}{Challenge: outer.Challenge})
}

func (g *Gateway) withinSkew(timestamp string) bool {
	if g.config.MaxClockSkew <= 0 {
		return true
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := g.now().Sub(time.Unix(secs, 0))
	return math.Abs(float64(skew)) <= float64(g.config.MaxClockSkew)
}

func (g *Gateway) sourceAllowed(remoteAddr string) bool {
	if len(g.sources) == 0 {
		return true
	}
	var addr netip.Addr
	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		addr = ap.Addr()
	} else if a, err := netip.ParseAddr(remoteAddr); err == nil {
		addr = a
	} else {
		return false
	}
	addr = addr.Unmap()
	for _, p := range g.sources {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (g *Gateway) reply(w http.ResponseWriter, status, code int, msg string) {
	g.writeJSON(w, status, struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}{Code: code, Msg: msg})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"code":2,"msg":"internal error"}`)
	}
	g.metrics.RecordWebhookResponse(strconv.Itoa(status))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
