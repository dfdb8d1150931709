// Package job runs typed HTTP requests against a Matrix homeserver: one
// class per Client-Server API endpoint (spec'd in pkg/job/endpoints.go),
// dispatched through a shared Runner with retry, rate-limiting, and
// cancellation, grounded on the request-building style of pkg/matrix's
// original hand-rolled client.
package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/armorclaw/matrixsdk/pkg/logger"
	"github.com/armorclaw/matrixsdk/pkg/mxerr"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Policy selects whether a job competes for foreground priority (the
// embedder is waiting on it) or runs in the background, best-effort.
type Policy int

const (
	Foreground Policy = iota
	Background
)

// Job wraps a single Matrix CS-API request: a verb, a path, optional
// query parameters and JSON body, and whether the access token must be
// attached.
type Job interface {
	// Name identifies the job class for logging and metrics, e.g. "sync",
	// "login", "createRoom".
	Name() string

	// Method is the HTTP verb (GET/PUT/POST/DELETE).
	Method() string

	// Path returns the request path, already expanded with its
	// identifiers (room ID, transaction ID, etc).
	Path() string

	// Query returns extra query parameters, or nil.
	Query() map[string]string

	// Body returns the JSON-encodable request body, or nil for bodyless
	// requests (GET, DELETE).
	Body() any

	// RawBody returns a pre-encoded request body (e.g. media bytes) that
	// bypasses JSON marshaling, or nil if Body should be used instead.
	RawBody() []byte

	// ContentType overrides the request's Content-Type header; empty
	// means "application/json" when Body is set.
	ContentType() string

	// RequiresToken reports whether the Authorization header must carry
	// the access token.
	RequiresToken() bool

	// Decode parses a successful response body into the job's result type.
	Decode(body []byte) (any, error)
}

// Handle is simultaneously a weak reference to the in-flight job (it goes
// nil on completion, from the caller's point of view Done() is true) and a
// future producing the typed result.
type Handle struct {
	job    Job
	cancel context.CancelFunc

	mu     sync.Mutex
	done   bool
	result any
	err    error
	waiters []chan struct{}

	attempts int
}

// Done reports whether the job has completed (successfully, with a final
// error, or abandoned).
func (h *Handle) Done() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

// Abandon cancels the in-flight request quietly: no completion signal is
// delivered to waiters already blocked in Wait, which instead observe
// context.Canceled.
func (h *Handle) Abandon() {
	h.cancel()
}

// Wait blocks until the job completes or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	h.mu.Lock()
	if h.done {
		result, err := h.result, h.err
		h.mu.Unlock()
		return result, err
	}
	ch := make(chan struct{})
	h.waiters = append(h.waiters, ch)
	h.mu.Unlock()

	select {
	case <-ch:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) complete(result any, err error) {
	h.mu.Lock()
	h.done = true
	h.result = result
	h.err = err
	waiters := h.waiters
	h.waiters = nil
	h.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// RetryObserver is notified each time a transient failure triggers a
// scheduled retry.
type RetryObserver func(job Job, attempt int, delay time.Duration, cause error)

// Config configures a Runner.
type Config struct {
	BaseURL string
	// Token is invoked lazily on every request so token refreshes (or a
	// pending logout "the access token is never
	// exposed to the embedder while a logout job is pending") are picked
	// up without reconstructing the Runner.
	Token func() string

	HTTPClient *http.Client

	// MaxRetries bounds exponential backoff retries for transient network
	// errors. Non-transient errors (parse failure, most 4xx, auth
	// revoked) are never retried.
	MaxRetries int

	// RateLimit bounds outgoing requests per second across all jobs;
	// zero disables the limiter.
	RateLimit rate.Limit
	Burst     int

	OnRetry RetryObserver

	Metrics *Metrics
}

// Metrics are the Prometheus collectors the Runner updates per request.
type Metrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	Retries  *prometheus.CounterVec
}

// NewMetrics builds and registers the Runner's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matrixsdk_job_requests_total",
			Help: "Matrix CS-API job requests by job name and outcome.",
		}, []string{"job", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "matrixsdk_job_duration_seconds",
			Help:    "Matrix CS-API job round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "matrixsdk_job_retries_total",
			Help: "Matrix CS-API job retry attempts by job name.",
		}, []string{"job"}),
	}
	if reg != nil {
		reg.MustRegister(m.Requests, m.Duration, m.Retries)
	}
	return m
}

// Runner owns the HTTP client and dispatches jobs with retry, rate-limit,
// and cancellation. All jobs submitted through a Runner are reparented to
// it: cancelling the Runner's context cancels every pending job.
type Runner struct {
	cfg     Config
	limiter *rate.Limiter
	log     *logger.Logger

	mu      sync.Mutex
	pending map[*Handle]struct{}
}

// New constructs a Runner. The base URL may be mutated later via
// SetBaseURL once homeserver discovery resolves the real endpoint.
func New(cfg Config) *Runner {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return &Runner{
		cfg:     cfg,
		limiter: limiter,
		log:     logger.Global().WithComponent("job"),
		pending: make(map[*Handle]struct{}),
	}
}

// SetBaseURL atomically updates the homeserver base URL used by future
// requests. Existing in-flight requests already captured their target URL.
func (r *Runner) SetBaseURL(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.BaseURL = url
}

// BaseURL returns the Runner's current homeserver base URL.
func (r *Runner) BaseURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.BaseURL
}

// Run submits job under policy and returns immediately with a handle.
func (r *Runner) Run(ctx context.Context, j Job, policy Policy) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{job: j, cancel: cancel}

	r.mu.Lock()
	r.pending[h] = struct{}{}
	r.mu.Unlock()

	go r.execute(ctx, h, j, policy)
	return h
}

// AbandonAll cancels every job currently owned by the Runner. Used on
// Connection destruction and on stopSync/logout.
func (r *Runner) AbandonAll() {
	r.mu.Lock()
	handles := make([]*Handle, 0, len(r.pending))
	for h := range r.pending {
		handles = append(handles, h)
	}
	r.mu.Unlock()
	for _, h := range handles {
		h.Abandon()
	}
}

func (r *Runner) forget(h *Handle) {
	r.mu.Lock()
	delete(r.pending, h)
	r.mu.Unlock()
}

func (r *Runner) execute(ctx context.Context, h *Handle, j Job, policy Policy) {
	defer r.forget(h)

	start := time.Now()
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				h.complete(nil, err)
				return
			}
		}

		result, retryAfter, err := r.attempt(ctx, j)
		if err == nil {
			h.complete(result, nil)
			r.observe(j, "success", start)
			return
		}
		lastErr = err

		if ctx.Err() != nil {
			h.complete(nil, ctx.Err())
			return
		}

		if !isTransient(err) {
			h.complete(nil, err)
			r.observe(j, "failure", start)
			return
		}

		delay := retryAfter
		if delay <= 0 {
			delay = backoff(attempt)
		}
		h.attempts = attempt + 1
		if r.cfg.OnRetry != nil {
			r.cfg.OnRetry(j, attempt+1, delay, err)
		}
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.Retries.WithLabelValues(j.Name()).Inc()
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			h.complete(nil, ctx.Err())
			return
		}
	}

	final := mxerr.Wrap(mxerr.KindNetwork, fmt.Sprintf("%s: retries exhausted", j.Name()), lastErr)
	h.complete(nil, final)
	r.observe(j, "failure", start)
}

func (r *Runner) observe(j Job, outcome string, start time.Time) {
	if r.cfg.Metrics == nil {
		return
	}
	r.cfg.Metrics.Requests.WithLabelValues(j.Name(), outcome).Inc()
	r.cfg.Metrics.Duration.WithLabelValues(j.Name()).Observe(time.Since(start).Seconds())
}

// attempt performs a single HTTP round trip. It returns a non-zero
// retryAfter when the server responded 429 with a Retry-After hint.
func (r *Runner) attempt(ctx context.Context, j Job) (result any, retryAfter time.Duration, err error) {
	url := r.BaseURL() + j.Path()
	if q := j.Query(); len(q) > 0 {
		url += "?" + encodeQuery(q)
	}

	var bodyReader io.Reader
	contentType := "application/json"
	if raw := j.RawBody(); raw != nil {
		bodyReader = bytes.NewReader(raw)
		if ct := j.ContentType(); ct != "" {
			contentType = ct
		}
	} else if b := j.Body(); b != nil {
		data, mErr := json.Marshal(b)
		if mErr != nil {
			return nil, 0, mxerr.Wrap(mxerr.KindJSONParse, "encoding request body", mErr)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, rErr := http.NewRequestWithContext(ctx, j.Method(), url, bodyReader)
	if rErr != nil {
		return nil, 0, mxerr.Wrap(mxerr.KindIncorrectRequest, "building request", rErr)
	}
	req.Header.Set("Content-Type", contentType)
	if j.RequiresToken() {
		token := ""
		if r.cfg.Token != nil {
			token = r.cfg.Token()
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, doErr := r.cfg.HTTPClient.Do(req)
	if doErr != nil {
		return nil, 0, mxerr.Wrap(mxerr.KindNetwork, j.Name()+" request failed", doErr)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, 0, mxerr.Wrap(mxerr.KindNetwork, "reading response body", readErr)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, retryAfterFromBody(resp, body), mxerr.New(mxerr.KindNetwork, "rate limited").WithMatrixErr("M_LIMIT_EXCEEDED")
	}

	if resp.StatusCode >= 500 {
		return nil, 0, mxerr.New(mxerr.KindNetwork, fmt.Sprintf("server error %d", resp.StatusCode))
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, 0, mxerr.New(mxerr.KindUnauthorised, "access token rejected")
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, 0, mxerr.New(mxerr.KindNotFound, j.Name()+": not found")
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			ErrCode string `json:"errcode"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(body, &apiErr)
		return nil, 0, mxerr.New(mxerr.KindIncorrectRequest, apiErr.Error).WithMatrixErr(apiErr.ErrCode)
	}

	decoded, decErr := j.Decode(body)
	if decErr != nil {
		return nil, 0, mxerr.Wrap(mxerr.KindIncorrectResponse, j.Name()+": unexpected response shape", decErr)
	}
	return decoded, 0, nil
}

func retryAfterFromBody(resp *http.Response, body []byte) time.Duration {
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	var rl struct {
		RetryAfterMs int64 `json:"retry_after_ms"`
	}
	if err := json.Unmarshal(body, &rl); err == nil && rl.RetryAfterMs > 0 {
		return time.Duration(rl.RetryAfterMs) * time.Millisecond
	}
	return time.Second
}

func backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * 250 * time.Millisecond
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	return base
}

func isTransient(err error) bool {
	kind, ok := mxerr.KindOf(err)
	if !ok {
		return false
	}
	return kind == mxerr.KindNetwork
}

func encodeQuery(q map[string]string) string {
	v := url.Values{}
	for k, val := range q {
		v.Set(k, val)
	}
	return v.Encode()
}
