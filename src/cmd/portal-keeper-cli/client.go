package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/campusnet/portal-keeper/src/event_log"
	"github.com/gorilla/websocket"
)

// Wire types are kept local so the client does not link the daemon packages
type CLIMessage struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Flags     map[string]string `json:"flags,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type CLIResponse struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type statusView struct {
	Version      string `json:"version"`
	Uptime       string `json:"uptime"`
	ConfigOK     bool   `json:"config_ok"`
	Connectivity struct {
		State     string    `json:"state"`
		Since     time.Time `json:"since"`
		CheckedAt time.Time `json:"checked_at"`
	} `json:"connectivity"`
	Controller struct {
		State         string    `json:"state"`
		AttemptCount  int       `json:"attempt_count"`
		InProgress    bool      `json:"in_progress"`
		CampaignID    string    `json:"campaign_id"`
		LastOutcome   string    `json:"last_outcome"`
		LastError     string    `json:"last_error"`
		NextAttemptAt time.Time `json:"next_attempt_at"`
		Suppressed    bool      `json:"suppressed"`
	} `json:"controller"`
}

type scanView struct {
	Targets []struct {
		Target struct {
			Address string `json:"address"`
		} `json:"target"`
		Reachable bool    `json:"reachable"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error"`
	} `json:"targets"`
	CaptivePortal struct {
		Detected   bool   `json:"detected"`
		Conclusive bool   `json:"conclusive"`
		RedirectTo string `json:"redirect_to"`
		Reason     string `json:"reason"`
	} `json:"captive_portal"`
}

func sendCommandAndDisplay(command string, args []string, flags map[string]string) error {
	msg := CLIMessage{
		Command:   command,
		Args:      args,
		Flags:     flags,
		Timestamp: time.Now(),
	}

	response, err := sendCommand(socketPath, msg)
	if err != nil {
		return fmt.Errorf("failed to communicate with portal-keeper service: %w\nMake sure the portal-keeper service is running", err)
	}

	displayResponse(os.Stdout, command, response)

	if !response.Success {
		return fmt.Errorf("command failed")
	}
	return nil
}

func sendCommand(path string, msg CLIMessage) (*CLIResponse, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to service: %w", err)
	}
	defer conn.Close()

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	// scan and logs replies can be large
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read response: %w", err)
		}
		return nil, fmt.Errorf("no response from service")
	}

	var response CLIResponse
	if err := json.Unmarshal(scanner.Bytes(), &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

// followEvents prints the backlog and then every new event until ctx ends or
// the service closes the stream
func followEvents(ctx context.Context, addr string, backlog int, w io.Writer) error {
	u := url.URL{
		Scheme:   "ws",
		Host:     addr,
		Path:     "/events",
		RawQuery: "backlog=" + strconv.Itoa(backlog),
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to open event stream at %s: %w", addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		var entry event_log.Entry
		if err := conn.ReadJSON(&entry); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		fmt.Fprintln(w, formatEntry(entry))
	}
}

func formatEntry(entry event_log.Entry) string {
	return fmt.Sprintf("%s [%-5s] %-12s %s",
		entry.Timestamp.Local().Format("2006-01-02 15:04:05"),
		strings.ToUpper(entry.Level),
		entry.Kind,
		entry.Message)
}

func displayResponse(w io.Writer, command string, response *CLIResponse) {
	if !response.Success {
		fmt.Fprintf(os.Stderr, "Error: %s\n", response.Error)
		return
	}

	switch command {
	case "status":
		var status statusView
		if json.Unmarshal(response.Data, &status) == nil {
			displayStatus(w, status)
			return
		}
	case "logs":
		var entries []event_log.Entry
		if json.Unmarshal(response.Data, &entries) == nil {
			for _, entry := range entries {
				fmt.Fprintln(w, formatEntry(entry))
			}
			return
		}
	case "scan":
		var scan scanView
		if json.Unmarshal(response.Data, &scan) == nil {
			fmt.Fprintln(w, response.Message)
			displayScan(w, scan)
			return
		}
	case "version":
		fmt.Fprintln(w, response.Message)
		return
	}

	if response.Message != "" {
		fmt.Fprintln(w, response.Message)
	}
	if len(response.Data) > 0 {
		var m map[string]interface{}
		if json.Unmarshal(response.Data, &m) == nil {
			displayMap(w, m, "")
		}
	}
}

func displayStatus(w io.Writer, s statusView) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Service:      %s, up %s\n", s.Version, s.Uptime)
	fmt.Fprintf(w, "Network:      %s since %s\n", s.Connectivity.State, s.Connectivity.Since.Local().Format(time.Stamp))
	fmt.Fprintf(w, "Last check:   %s\n", s.Connectivity.CheckedAt.Local().Format(time.Stamp))

	controller := s.Controller.State
	if s.Controller.Suppressed {
		controller += " (automatic login paused)"
	}
	fmt.Fprintf(w, "Controller:   %s\n", controller)
	if s.Controller.InProgress {
		fmt.Fprintf(w, "Campaign:     %s, %d attempts\n", s.Controller.CampaignID, s.Controller.AttemptCount)
		if !s.Controller.NextAttemptAt.IsZero() {
			fmt.Fprintf(w, "Next attempt: %s\n", s.Controller.NextAttemptAt.Local().Format(time.Stamp))
		}
	}
	if s.Controller.LastOutcome != "" {
		fmt.Fprintf(w, "Last attempt: %s\n", s.Controller.LastOutcome)
	}
	if s.Controller.LastError != "" {
		fmt.Fprintf(w, "Last error:   %s\n", s.Controller.LastError)
	}
	if !s.ConfigOK {
		fmt.Fprintln(w, "Credentials:  incomplete, run 'portal-keeper credentials'")
	}
	fmt.Fprintln(w)
}

func displayScan(w io.Writer, s scanView) {
	fmt.Fprintln(w)
	for _, t := range s.Targets {
		switch {
		case t.Reachable:
			fmt.Fprintf(w, "  ✓ %-20s %8.1f ms\n", t.Target.Address, t.LatencyMs)
		case t.Error != "":
			fmt.Fprintf(w, "  ✗ %-20s %s\n", t.Target.Address, t.Error)
		default:
			fmt.Fprintf(w, "  ✗ %-20s\n", t.Target.Address)
		}
	}

	fmt.Fprintln(w)
	portal := s.CaptivePortal
	switch {
	case portal.Detected && portal.RedirectTo != "":
		fmt.Fprintf(w, "Captive portal: detected, redirecting to %s\n", portal.RedirectTo)
	case portal.Detected:
		fmt.Fprintf(w, "Captive portal: detected (%s)\n", portal.Reason)
	case portal.Conclusive:
		fmt.Fprintln(w, "Captive portal: none")
	default:
		fmt.Fprintf(w, "Captive portal: unknown (%s)\n", portal.Reason)
	}
}

func displayMap(w io.Writer, m map[string]interface{}, prefix string) {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if nested, ok := m[key].(map[string]interface{}); ok {
			fmt.Fprintf(w, "%s%s:\n", prefix, key)
			displayMap(w, nested, prefix+"  ")
			continue
		}
		fmt.Fprintf(w, "%s%s: %v\n", prefix, key, m[key])
	}
}
