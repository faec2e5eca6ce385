package checker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/charmbracelet/log"

	"proxypool/internal/domain"
	"proxypool/internal/support"
)

type Result int

const (
	Success Result = iota
	ProxyError
	OtherError
)

func (r Result) String() string {
	switch r {
	case Success:
		return "success"
	case ProxyError:
		return "proxy_error"
	default:
		return "other_error"
	}
}

// maxDrainBytes bounds how much of the liveness response is read before the
// connection is dropped.
const maxDrainBytes = 64 << 10

var ErrTunnelRejected = errors.New("tunnel connection failed")

// Report is the full outcome of one probe.
type Report struct {
	Result     Result
	StatusCode int
	Latency    time.Duration
	Err        error
}

// Validator decides whether a candidate works as a forward proxy.
type Validator interface {
	Validate(ctx context.Context, candidate string) Result
}

// HTTPValidator probes candidates with a GET against a fixed liveness target.
type HTTPValidator struct {
	target  string
	timeout time.Duration
}

func New(target string, timeout time.Duration) *HTTPValidator {
	return &HTTPValidator{
		target:  target,
		timeout: timeout,
	}
}

func (v *HTTPValidator) Validate(ctx context.Context, candidate string) Result {
	report := Probe(ctx, candidate, v.target, v.timeout)
	if report.Result == Success {
		log.Debug("Proxy validated", "proxy", candidate, "latency", report.Latency)
	} else {
		log.Debug("Proxy failed", "proxy", candidate, "result", report.Result, "error", report.Err)
	}
	return report.Result
}

// Probe issues a single GET to target through candidate. The timeout covers
// the whole exchange, including the CONNECT tunnel for https targets. There
// are no retries.
func Probe(ctx context.Context, candidate, target string, timeout time.Duration) Report {
	proxy, err := domain.ParseProxy(candidate)
	if err != nil {
		return Report{Result: OtherError, Err: err}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport := support.CreateTransport(proxy, timeout)
	transport.OnProxyConnectResponse = rejectFailedTunnel
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target, nil)
	if err != nil {
		return Report{Result: OtherError, Err: fmt.Errorf("checker: build request: %w", err)}
	}

	start := time.Now()
	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return Report{Result: classify(err), Latency: latency, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))

	if resp.StatusCode != http.StatusOK {
		return Report{
			Result:     OtherError,
			StatusCode: resp.StatusCode,
			Latency:    latency,
			Err:        fmt.Errorf("checker: unexpected status code %d", resp.StatusCode),
		}
	}

	return Report{Result: Success, StatusCode: resp.StatusCode, Latency: latency}
}

func rejectFailedTunnel(_ context.Context, _ *url.URL, _ *http.Request, res *http.Response) error {
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s", ErrTunnelRejected, res.Status)
	}
	return nil
}

func classify(err error) Result {
	if errors.Is(err, ErrTunnelRejected) {
		return ProxyError
	}
	return OtherError
}
