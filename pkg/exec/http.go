package exec

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/freitascorp/concierge/pkg/concierr"
	"github.com/freitascorp/concierge/pkg/config"
	"github.com/freitascorp/concierge/pkg/placeholder"
)

const maxRecordedBody = 1000

// HTTPClientProcess issues one outbound HTTP(S) request per host,
// built from a command definition and per-host params.
type HTTPClientProcess struct {
	hostname string
	cmdDef   config.HTTPCommand
	params   map[string]any

	mu      sync.Mutex
	aborted bool
	cancel  context.CancelFunc
}

// NewHTTPClientProcess constructs a supervisor for one invocation.
func NewHTTPClientProcess(hostname string, cmdDef config.HTTPCommand, params map[string]any) *HTTPClientProcess {
	return &HTTPClientProcess{hostname: hostname, cmdDef: cmdDef, params: params}
}

// Run builds and issues the request, governed by ctx (callers apply the
// sync/async timeout convention via context.WithTimeout before calling).
// 2xx is success; any other status or transport error is an error.
// Response status code and up to 1000 bytes of body are recorded on
// both paths.
func (p *HTTPClientProcess) Run(ctx context.Context) Outcome {
	p.mu.Lock()
	if p.aborted {
		p.mu.Unlock()
		return errorOutcome(p.hostname, concierr.New(concierr.KindAborted, "aborted before dispatch").Error(), "", 0)
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()
	defer cancel()

	req, err := p.buildRequest(ctx)
	if err != nil {
		return errorOutcome(p.hostname, err.Error(), "", 0)
	}

	client := &http.Client{}
	if strings.HasPrefix(strings.ToLower(p.cmdDef.URL), "https://") && p.cmdDef.SkipCertValidation {
		client.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec // explicit per-command opt-in
	}

	resp, err := client.Do(req)
	if err != nil {
		p.mu.Lock()
		aborted := p.aborted
		p.mu.Unlock()
		if aborted || ctx.Err() == context.Canceled {
			return errorOutcome(p.hostname, concierr.New(concierr.KindAborted, "aborted").Error(), "", 0)
		}
		if ctx.Err() == context.DeadlineExceeded {
			return errorOutcome(p.hostname, concierr.New(concierr.KindTimeout, "timed out").Error(), "", 0)
		}
		return errorOutcome(p.hostname, concierr.Newf(concierr.KindHTTPTransport, "%v", err).Error(), "", 0)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxRecordedBody))
	output := string(body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return successOutcome(p.hostname, output, resp.StatusCode)
	}
	return errorOutcome(p.hostname, concierr.Newf(concierr.KindHTTPNon2xx, "HTTP %d", resp.StatusCode).Error(), output, resp.StatusCode)
}

func (p *HTTPClientProcess) buildRequest(ctx context.Context) (*http.Request, error) {
	c := p.cmdDef

	// Literal-expand the URL template, then path_params (URL-quoted on
	// insertion, so a value containing "/" or "?" can't reshape the
	// URL), all before parsing.
	rawURL := placeholder.ExpandLiteral(c.URL, p.hostname, p.params)
	for k, v := range c.PathParams {
		rawURL = strings.ReplaceAll(rawURL, "<"+k+">", url.PathEscape(placeholder.ExpandLiteral(v, p.hostname, p.params)))
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	if len(c.QueryParams) > 0 {
		q := u.Query()
		for k, v := range c.QueryParams {
			q.Set(k, placeholder.ExpandLiteral(v, p.hostname, p.params))
		}
		u.RawQuery = q.Encode()
	}

	body, err := p.buildBody()
	if err != nil {
		return nil, err
	}

	method := c.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	for k, v := range c.Headers {
		req.Header.Set(k, placeholder.ExpandLiteral(v, p.hostname, p.params))
	}
	return req, nil
}

func (p *HTTPClientProcess) buildBody() ([]byte, error) {
	c := p.cmdDef
	if c.PayloadBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(c.Payload)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 payload: %w", err)
		}
		return decoded, nil
	}

	switch c.PayloadPlaceholderReplacement {
	case config.PayloadReplacementJSONOnly:
		expanded, err := placeholder.ExpandJSON(c.Payload, p.hostname, p.params)
		if err != nil {
			return nil, err
		}
		return []byte(expanded), nil
	case config.PayloadReplacementUnsafe:
		return []byte(placeholder.ExpandLiteral(c.Payload, p.hostname, p.params)), nil
	default:
		return []byte(c.Payload), nil
	}
}

// WriteStdin is a no-op: HTTP invocations have no interactive stdin.
func (p *HTTPClientProcess) WriteStdin([]byte) error { return fmt.Errorf("http command has no stdin") }

// Control is a no-op: HTTP invocations have no process group to signal.
func (p *HTTPClientProcess) Control(byte) error { return fmt.Errorf("http command has no controllable process") }

// Abort marks the request aborted; if dispatch has not yet happened the
// next Run call rejects immediately, otherwise the in-flight request's
// context is cancelled (best-effort).
func (p *HTTPClientProcess) Abort() {
	p.mu.Lock()
	p.aborted = true
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
