package portal_executor

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/campusnet/portal-keeper/src/config_manager"
)

// ISP selects the carrier suffix appended to the account name
type ISP string

const (
	ISPMobile  ISP = "mobile"
	ISPUnicom  ISP = "unicom"
	ISPTelecom ISP = "telecom"
	ISPCampus  ISP = "campus"
)

var ispSuffixes = map[ISP]string{
	ISPMobile:  "cmccn",
	ISPUnicom:  "unicomn",
	ISPTelecom: "telecomn",
	ISPCampus:  "",
}

// ParseISP accepts the config spelling of an ISP, case-insensitively
func ParseISP(s string) (ISP, error) {
	isp := ISP(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := ispSuffixes[isp]; !ok {
		return "", &ConfigError{Field: "isp", Reason: fmt.Sprintf("unknown ISP %q", s)}
	}
	return isp, nil
}

// Suffix returns the account realm, empty for the campus network
func (i ISP) Suffix() string {
	return ispSuffixes[i]
}

// Account formats the user_account value the eportal expects
func (i ISP) Account(username string) string {
	if suffix := i.Suffix(); suffix != "" {
		return fmt.Sprintf(",1,%s@%s", username, suffix)
	}
	return ",1," + username
}

// Credentials is what one login or logout needs
type Credentials struct {
	Username  string
	Password  string
	ISP       ISP
	PortalURL string
}

// CredentialsFromConfig builds validated credentials from the stored settings.
// Every problem it reports is a *ConfigError.
func CredentialsFromConfig(cfg *config_manager.Config) (Credentials, error) {
	if cfg == nil {
		return Credentials{}, &ConfigError{Field: "config", Reason: "no configuration loaded"}
	}
	isp, err := ParseISP(cfg.ISP)
	if err != nil {
		return Credentials{}, err
	}
	creds := Credentials{
		Username:  strings.TrimSpace(cfg.Username),
		Password:  cfg.Password,
		ISP:       isp,
		PortalURL: strings.TrimSpace(cfg.PortalURL),
	}
	if err := creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return creds, nil
}

// Validate checks the fields every executor needs
func (c Credentials) Validate() error {
	if c.Username == "" {
		return &ConfigError{Field: "username", Reason: "missing"}
	}
	if c.Password == "" {
		return &ConfigError{Field: "password", Reason: "missing"}
	}
	if _, ok := ispSuffixes[c.ISP]; !ok {
		return &ConfigError{Field: "isp", Reason: fmt.Sprintf("unknown ISP %q", c.ISP)}
	}
	return validateURL("portal_url", c.PortalURL)
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &ConfigError{Field: field, Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ConfigError{Field: field, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return &ConfigError{Field: field, Reason: "missing host"}
	}
	return nil
}

// Executor performs the login or logout sequence against the portal.
// Implementations must release every resource they acquired before
// returning, including when ctx is cancelled.
type Executor interface {
	Login(ctx context.Context, creds Credentials) error
	Logout(ctx context.Context, creds Credentials) error
}

// NewExecutor builds the executor selected by cfg.Kind
func NewExecutor(cfg config_manager.ExecutorConfig) (Executor, error) {
	switch cfg.Kind {
	case "", "http":
		exec, err := NewHTTPExecutor(cfg)
		if err != nil {
			return nil, err
		}
		return exec, nil
	case "command":
		exec, err := NewCommandExecutor(cfg)
		if err != nil {
			return nil, err
		}
		return exec, nil
	default:
		return nil, &ConfigError{Field: "executor.kind", Reason: fmt.Sprintf("unknown executor %q", cfg.Kind)}
	}
}
