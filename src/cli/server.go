package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/campusnet/portal-keeper/src/config_manager"
	"github.com/campusnet/portal-keeper/src/portal_executor"
	"github.com/campusnet/portal-keeper/src/reauth_controller"
	"github.com/sirupsen/logrus"
)

const (
	DefaultSocketPath = "/var/run/portal-keeper.sock"
	SocketPermissions = 0660

	defaultLogLines = 20
	scanTimeout     = 30 * time.Second
)

var cliLogger = logrus.WithField("module", "cli")

// CLIServer handles Unix socket communication for CLI commands
type CLIServer struct {
	services   Services
	socketPath string
	startTime  time.Time

	listener net.Listener
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	conns    sync.WaitGroup
}

// NewCLIServer creates a new CLI server instance. An empty socketPath uses
// DefaultSocketPath.
func NewCLIServer(socketPath string, services Services) *CLIServer {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &CLIServer{
		services:   services,
		socketPath: socketPath,
		startTime:  time.Now(),
	}
}

// Start begins listening on the Unix socket
func (s *CLIServer) Start() error {
	// a stale socket from a previous run blocks Listen
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket: %w", err)
	}

	if err := os.Chmod(s.socketPath, SocketPermissions); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running.Store(true)

	cliLogger.WithField("socket_path", s.socketPath).Info("CLI server started")

	go s.acceptConnections()
	return nil
}

// Stop shuts down the CLI server and waits for open connections to finish
func (s *CLIServer) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	s.cancel()
	err := s.listener.Close()
	s.conns.Wait()

	if rmErr := os.Remove(s.socketPath); rmErr != nil && !os.IsNotExist(rmErr) {
		cliLogger.WithError(rmErr).Warn("Failed to remove socket file")
	}

	cliLogger.Info("CLI server stopped")
	return err
}

func (s *CLIServer) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			cliLogger.WithError(err).Error("Failed to accept connection")
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection processes a single request line and writes one response line
func (s *CLIServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, 8192)
	data, err := reader.ReadBytes('\n')
	if err != nil {
		cliLogger.WithError(err).Error("Failed to read from connection")
		return
	}
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}

	cliLogger.WithField("data_length", len(data)).Debug("Received CLI message")

	var msg CLIMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		cliLogger.WithError(err).Error("Failed to unmarshal CLI message")
		s.sendResponse(conn, errorResponse(fmt.Sprintf("Invalid JSON: %v", err)))
		return
	}

	s.sendResponse(conn, s.processCommand(s.ctx, msg))
}

// processCommand executes the CLI command and returns a response
func (s *CLIServer) processCommand(ctx context.Context, msg CLIMessage) CLIResponse {
	cliLogger.WithFields(logrus.Fields{
		"command": msg.Command,
		"args":    msg.Args,
	}).Debug("Processing CLI command")

	switch msg.Command {
	case "status":
		return s.handleStatusCommand()
	case "logs":
		return s.handleLogsCommand(msg.Args)
	case "check":
		return s.handleCheckCommand()
	case "scan":
		return s.handleScanCommand(ctx)
	case "login":
		return s.handleLoginCommand()
	case "logout":
		return s.handleLogoutCommand(ctx)
	case "credentials":
		return s.handleCredentialsCommand(msg.Flags)
	case "version":
		return s.handleVersionCommand()
	default:
		return errorResponse(fmt.Sprintf("Unknown command: %s", msg.Command))
	}
}

func (s *CLIServer) handleStatusCommand() CLIResponse {
	status := buildStatus(s.services, s.startTime)

	message := fmt.Sprintf("Network %s, controller %s", status.Connectivity.State, status.Controller.State)
	if status.Controller.Suppressed {
		message += " (automatic login paused)"
	}
	return CLIResponse{
		Success:   true,
		Message:   message,
		Data:      status,
		Timestamp: time.Now(),
	}
}

func (s *CLIServer) handleLogsCommand(args []string) CLIResponse {
	n := defaultLogLines
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed <= 0 {
			return errorResponse(fmt.Sprintf("Invalid line count: %s", args[0]))
		}
		n = parsed
	}

	entries := s.services.Events.Entries(n)
	return CLIResponse{
		Success:   true,
		Message:   fmt.Sprintf("%d most recent events", len(entries)),
		Data:      entries,
		Timestamp: time.Now(),
	}
}

func (s *CLIServer) handleCheckCommand() CLIResponse {
	s.services.Monitor.TriggerCheck()
	return CLIResponse{
		Success:   true,
		Message:   "Connectivity check requested",
		Timestamp: time.Now(),
	}
}

func (s *CLIServer) handleScanCommand(ctx context.Context) CLIResponse {
	ctx, cancel := context.WithTimeout(ctx, scanTimeout)
	defer cancel()

	report := ScanReport{Targets: s.services.Scanner.Scan(ctx)}
	for _, r := range report.Targets {
		if r.Reachable {
			report.Reachable++
		}
	}
	if s.services.DetectCaptivePortal != nil {
		report.CaptivePortal = s.services.DetectCaptivePortal(ctx)
	}

	message := fmt.Sprintf("%d of %d targets reachable", report.Reachable, len(report.Targets))
	if report.CaptivePortal.Detected {
		message += "; captive portal detected"
	}
	return CLIResponse{
		Success:   true,
		Message:   message,
		Data:      report,
		Timestamp: time.Now(),
	}
}

func (s *CLIServer) handleLoginCommand() CLIResponse {
	if s.services.Controller.Status().InProgress {
		return CLIResponse{
			Success:   true,
			Message:   "A reauthentication campaign is already running",
			Timestamp: time.Now(),
		}
	}
	s.services.Controller.RequestLogin()
	return CLIResponse{
		Success:   true,
		Message:   "Login requested; follow progress with 'logs --follow'",
		Timestamp: time.Now(),
	}
}

func (s *CLIServer) handleLogoutCommand(ctx context.Context) CLIResponse {
	err := s.services.Controller.Logout(ctx)
	switch {
	case err == nil:
		return CLIResponse{
			Success:   true,
			Message:   "Logged out; automatic login paused until connectivity returns or a login is requested",
			Timestamp: time.Now(),
		}
	case errors.Is(err, reauth_controller.ErrCampaignActive):
		return errorResponse("A reauthentication campaign is running; try again when it ends")
	default:
		return errorResponse(fmt.Sprintf("Logout failed: %v", err))
	}
}

// handleCredentialsCommand shows the stored credentials, or updates them
// when flags are given
func (s *CLIServer) handleCredentialsCommand(flags map[string]string) CLIResponse {
	if len(flags) > 0 {
		update, err := parseCredentialsUpdate(flags)
		if err != nil {
			return errorResponse(err.Error())
		}
		if err := s.services.Settings.UpdateCredentials(update); err != nil {
			cliLogger.WithError(err).Error("Failed to update credentials")
			return errorResponse(fmt.Sprintf("Failed to update credentials: %v", err))
		}
	}

	cfg, err := s.services.Settings.LoadConfig()
	if err != nil {
		return errorResponse(fmt.Sprintf("Failed to load config: %v", err))
	}
	if cfg == nil {
		return errorResponse("No configuration file")
	}

	message := "Stored credentials"
	if len(flags) > 0 {
		message = "Credentials updated; used from the next login attempt"
	}
	return CLIResponse{
		Success: true,
		Message: message,
		Data: CredentialsView{
			Username:         cfg.Username,
			PasswordSet:      cfg.Password != "",
			ISP:              cfg.ISP,
			PortalURL:        cfg.PortalURL,
			RememberPassword: cfg.RememberPassword,
			AutoLogin:        cfg.AutoLogin,
		},
		Timestamp: time.Now(),
	}
}

func parseCredentialsUpdate(flags map[string]string) (config_manager.CredentialsUpdate, error) {
	var update config_manager.CredentialsUpdate
	for key, value := range flags {
		value := value
		switch key {
		case "username":
			update.Username = &value
		case "password":
			update.Password = &value
		case "isp":
			isp, err := portal_executor.ParseISP(value)
			if err != nil {
				return update, err
			}
			s := string(isp)
			update.ISP = &s
		case "portal_url":
			u, err := url.Parse(value)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return update, fmt.Errorf("invalid portal_url %q", value)
			}
			update.PortalURL = &value
		case "remember_password", "auto_login":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return update, fmt.Errorf("invalid %s %q: %w", key, value, err)
			}
			if key == "auto_login" {
				update.AutoLogin = &b
			} else {
				update.RememberPassword = &b
			}
		default:
			return update, fmt.Errorf("unknown credentials field: %s", key)
		}
	}
	return update, nil
}

func (s *CLIServer) handleVersionCommand() CLIResponse {
	return CLIResponse{
		Success:   true,
		Message:   GetFormattedVersionInfo(),
		Data:      GetFullVersionInfo(),
		Timestamp: time.Now(),
	}
}

// buildStatus assembles the status answer shared by the socket and HTTP servers
func buildStatus(svc Services, startTime time.Time) ServiceStatus {
	configOK := false
	if cfg, err := svc.Settings.LoadConfig(); err == nil && cfg != nil {
		_, credErr := portal_executor.CredentialsFromConfig(cfg)
		configOK = credErr == nil
	}

	return ServiceStatus{
		Running:      true,
		Version:      GetVersionInfo(),
		Uptime:       time.Since(startTime).Round(time.Second).String(),
		ConfigOK:     configOK,
		Connectivity: svc.Monitor.Snapshot(),
		Controller:   svc.Controller.Status(),
	}
}

func (s *CLIServer) sendResponse(conn net.Conn, response CLIResponse) {
	data, err := json.Marshal(response)
	if err != nil {
		cliLogger.WithError(err).Error("Failed to marshal response")
		return
	}

	if _, err := conn.Write(append(data, '\n')); err != nil {
		cliLogger.WithError(err).Debug("Failed to write response")
	}
}

func errorResponse(message string) CLIResponse {
	return CLIResponse{
		Success:   false,
		Error:     message,
		Timestamp: time.Now(),
	}
}
