package portal_executor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/campusnet/portal-keeper/src/config_manager"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("module", "portal_executor")

const (
	loginCallback    = "dr1004"
	logoutCallback   = "dr1003"
	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0"
	maxResponseBytes = 256 << 10
)

// Portal landing pages embed the address the gateway sees for us, in one of
// these forms, most specific first.
var clientIPPatterns = []*regexp.Regexp{
	regexp.MustCompile(`v46ip='([^']*)'`),
	regexp.MustCompile(`v4ip='([^']*)'`),
	regexp.MustCompile(`ss5="([^"]*)"`),
}

// HTTPExecutor logs in through the eportal JSONP API directly
type HTTPExecutor struct {
	client           *http.Client
	eportalURL       string
	origin           string
	logoutRepeat     int
	discoveryRetries uint64
	newBackOff       func() backoff.BackOff
}

var _ Executor = (*HTTPExecutor)(nil)

// NewHTTPExecutor creates an executor for the eportal at cfg.EportalURL
func NewHTTPExecutor(cfg config_manager.ExecutorConfig) (*HTTPExecutor, error) {
	eportal := strings.TrimRight(strings.TrimSpace(cfg.EportalURL), "/")
	if err := validateURL("executor.eportal_url", eportal); err != nil {
		return nil, err
	}
	u, _ := url.Parse(eportal)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	// the campus portal serves a self-signed certificate
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify} //nolint:gosec

	repeat := cfg.LogoutRepeat
	if repeat <= 0 {
		repeat = 1
	}
	retries := cfg.IPDiscoveryRetries
	if retries < 0 {
		retries = 0
	}

	return &HTTPExecutor{
		client: &http.Client{
			Transport: transport,
			// portal redirects are answers, not something to chase
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		eportalURL:       eportal,
		origin:           u.Scheme + "://" + u.Hostname(),
		logoutRepeat:     repeat,
		discoveryRetries: uint64(retries),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}, nil
}

// Login discovers the client address and submits the account to the eportal
func (e *HTTPExecutor) Login(ctx context.Context, creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return err
	}

	ip, err := e.discoverClientIP(ctx, creds.PortalURL)
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("callback", loginCallback)
	params.Set("login_method", "1")
	params.Set("user_account", creds.ISP.Account(creds.Username))
	params.Set("user_password", creds.Password)
	params.Set("wlan_user_ip", ip)

	resp, err := e.call(ctx, "login", params)
	if err != nil {
		return err
	}
	if resp.Result != 1 {
		return &LoginError{Reason: nonEmpty(resp.Msg, "login refused"), Code: int(resp.RetCode)}
	}

	logger.WithFields(logrus.Fields{
		"client_ip": ip,
		"isp":       string(creds.ISP),
	}).Info("Portal accepted login")
	return nil
}

// Logout ends the portal session. The request is sent logoutRepeat times
// and the outcome of the last round is returned.
func (e *HTTPExecutor) Logout(ctx context.Context, creds Credentials) error {
	if err := validateURL("portal_url", creds.PortalURL); err != nil {
		return err
	}

	ip, err := e.discoverClientIP(ctx, creds.PortalURL)
	if err != nil {
		return err
	}

	params := url.Values{}
	params.Set("callback", logoutCallback)
	params.Set("login_method", "1")
	params.Set("ac_logout", "1")
	params.Set("wlan_user_ip", ip)

	var lastErr error
	for round := 1; round <= e.logoutRepeat; round++ {
		resp, err := e.call(ctx, "logout", params)
		switch {
		case err != nil:
			lastErr = err
		case resp.Result != 1:
			lastErr = &LoginError{Reason: nonEmpty(resp.Msg, "logout refused"), Code: int(resp.RetCode)}
		default:
			lastErr = nil
		}
		logger.WithFields(logrus.Fields{
			"round": round,
			"of":    e.logoutRepeat,
		}).WithError(lastErr).Debug("Logout request sent")

		if ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

func (e *HTTPExecutor) discoverClientIP(ctx context.Context, portalURL string) (string, error) {
	b := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), e.discoveryRetries), ctx)

	attempt := 0
	ip, err := backoff.RetryWithData(func() (string, error) {
		attempt++
		ip, err := e.fetchClientIP(ctx, portalURL)
		if err != nil {
			logger.WithError(err).WithField("attempt", attempt).Debug("Client IP discovery failed")
		}
		return ip, err
	}, b)
	if err != nil {
		return "", &LoginError{Reason: "could not discover client IP from portal", Err: err}
	}
	return ip, nil
}

func (e *HTTPExecutor) fetchClientIP(ctx context.Context, portalURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, portalURL, nil)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", browserUserAgent)

	res, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}

	ip, ok := extractClientIP(string(body))
	if !ok {
		return "", errors.New("no client IP in portal page")
	}
	return ip, nil
}

func extractClientIP(page string) (string, bool) {
	for _, re := range clientIPPatterns {
		m := re.FindStringSubmatch(page)
		if m == nil {
			continue
		}
		if ip := strings.TrimSpace(m[1]); net.ParseIP(ip) != nil {
			return ip, true
		}
	}
	return "", false
}

func (e *HTTPExecutor) call(ctx context.Context, endpoint string, params url.Values) (*portalResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.eportalURL+"/"+endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, &ResourceError{Op: "build " + endpoint + " request", Err: err}
	}
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Referer", e.origin+"/")
	req.Header.Set("Origin", e.origin)

	res, err := e.client.Do(req)
	if err != nil {
		return nil, &LoginError{Reason: endpoint + " request failed", Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, &LoginError{Reason: "reading " + endpoint + " response", Err: err}
	}
	if res.StatusCode != http.StatusOK {
		return nil, &LoginError{Reason: fmt.Sprintf("unexpected HTTP status %d from %s", res.StatusCode, endpoint)}
	}
	return parseJSONP(body)
}

type portalResponse struct {
	Result  flexInt `json:"result"`
	Msg     string  `json:"msg"`
	RetCode flexInt `json:"ret_code"`
}

// flexInt accepts both 1 and "1"; the eportal is not consistent
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("not an integer: %s", data)
	}
	*f = flexInt(n)
	return nil
}

// parseJSONP unwraps callback({...}); and decodes the payload
func parseJSONP(body []byte) (*portalResponse, error) {
	text := strings.TrimSpace(string(body))
	if !strings.HasPrefix(text, "{") {
		start := strings.IndexByte(text, '(')
		end := strings.LastIndexByte(text, ')')
		if start < 0 || end <= start {
			return nil, &LoginError{Reason: "malformed portal response"}
		}
		text = text[start+1 : end]
	}

	var resp portalResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, &LoginError{Reason: "malformed portal response", Err: err}
	}
	return &resp, nil
}

func nonEmpty(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
