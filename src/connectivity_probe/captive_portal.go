package connectivity_probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// CaptiveEndpoint is a well-known page whose exact answer is known in advance
type CaptiveEndpoint struct {
	URL          string
	ExpectStatus int
	ExpectBody   string
}

// DefaultCaptiveEndpoints are the OS vendor connectivity-check pages
var DefaultCaptiveEndpoints = []CaptiveEndpoint{
	{URL: "http://captive.apple.com/hotspot-detect.html", ExpectStatus: http.StatusOK, ExpectBody: "Success"},
	{URL: "http://www.msftconnecttest.com/connecttest.txt", ExpectStatus: http.StatusOK, ExpectBody: "Microsoft Connect Test"},
	{URL: "http://connectivitycheck.gstatic.com/generate_204", ExpectStatus: http.StatusNoContent},
}

// CaptivePortalReport summarises a detection run
type CaptivePortalReport struct {
	Detected   bool   `json:"detected"`
	Conclusive bool   `json:"conclusive"`
	Endpoint   string `json:"endpoint,omitempty"`
	RedirectTo string `json:"redirect_to,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// NewCaptiveClient returns an http.Client that reports redirects instead of following them
func NewCaptiveClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// DetectCaptivePortal asks each endpoint in turn. The first endpoint that
// answers decides the outcome; endpoints that cannot be reached are skipped.
func DetectCaptivePortal(ctx context.Context, client *http.Client, endpoints []CaptiveEndpoint) CaptivePortalReport {
	var lastErr error
	for _, ep := range endpoints {
		report, err := checkCaptiveEndpoint(ctx, client, ep)
		if err != nil {
			logger.WithError(err).WithField("endpoint", ep.URL).Debug("Captive portal endpoint unreachable")
			lastErr = err
			continue
		}
		logger.WithFields(logrus.Fields{
			"endpoint": ep.URL,
			"detected": report.Detected,
			"reason":   report.Reason,
		}).Debug("Captive portal check finished")
		return report
	}

	report := CaptivePortalReport{Reason: "no detection endpoint answered"}
	if lastErr != nil {
		report.Reason = fmt.Sprintf("%s: %v", report.Reason, lastErr)
	}
	return report
}

func checkCaptiveEndpoint(ctx context.Context, client *http.Client, ep CaptiveEndpoint) (CaptivePortalReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return CaptivePortalReport{}, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return CaptivePortalReport{}, err
	}
	defer resp.Body.Close()

	report := CaptivePortalReport{Conclusive: true, Endpoint: ep.URL}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		report.Detected = true
		report.RedirectTo = resp.Header.Get("Location")
		report.Reason = fmt.Sprintf("redirected with status %d", resp.StatusCode)
		return report, nil
	}

	if resp.StatusCode != ep.ExpectStatus {
		report.Detected = true
		report.Reason = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return report, nil
	}

	if ep.ExpectBody != "" {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return CaptivePortalReport{}, err
		}
		if !strings.Contains(string(body), ep.ExpectBody) {
			report.Detected = true
			report.Reason = "response body was rewritten"
			return report, nil
		}
	}

	report.Reason = "expected response"
	return report, nil
}
