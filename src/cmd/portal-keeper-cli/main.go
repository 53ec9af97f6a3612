package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

const (
	defaultSocketPath = "/var/run/portal-keeper.sock"
	defaultStatusAddr = "127.0.0.1:8642"
)

var (
	socketPath string
	statusAddr string
)

// askConfirmation prompts the user for yes/no confirmation
func askConfirmation(message string) bool {
	fmt.Printf("%s (y/N): ", message)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	response := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return response == "y" || response == "yes"
}

var rootCmd = &cobra.Command{
	Use:   "portal-keeper",
	Short: "portal-keeper CLI - inspect and steer the captive-portal keeper",
	Long: `portal-keeper CLI talks to the running portal-keeper service.
You can check connectivity, follow reauthentication progress, log in or out
of the portal and edit the stored credentials.`,
	SilenceUsage: true,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and controller status",
	Long:  "Display the last probe result, the reauthentication controller state and service uptime",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommandAndDisplay("status", nil, nil)
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent events",
	Long:  "Display the most recent entries of the in-memory event log, or follow new ones as they happen",
	RunE: func(cmd *cobra.Command, args []string) error {
		tail, _ := cmd.Flags().GetInt("tail")
		follow, _ := cmd.Flags().GetBool("follow")
		if follow {
			return followEvents(cmd.Context(), statusAddr, tail, os.Stdout)
		}
		return sendCommandAndDisplay("logs", []string{strconv.Itoa(tail)}, nil)
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run a connectivity check now",
	Long:  "Ask the monitor for an immediate probe round instead of waiting for the next tick",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommandAndDisplay("check", nil, nil)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Probe every target and look for a captive portal",
	Long:  "Probe each configured target in turn, report per-target reachability and latency, and check whether a portal intercepts plain HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommandAndDisplay("scan", nil, nil)
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the portal now",
	Long:  "Start a reauthentication campaign immediately. This also lifts a pause left by a manual logout.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommandAndDisplay("login", nil, nil)
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out of the portal",
	Long:  "End the portal session. Automatic login stays paused until connectivity returns or 'login' is run.",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes && !askConfirmation("This will disconnect this machine from the network. Continue?") {
			fmt.Println("Operation cancelled.")
			return nil
		}
		return sendCommandAndDisplay("logout", nil, nil)
	},
}

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Show or change the stored credentials",
	Long:  "Without flags, show the stored username, ISP and portal. With flags, update them; changes apply from the next login attempt.",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags, err := credentialFlags(cmd)
		if err != nil {
			return err
		}
		return sendCommandAndDisplay("credentials", nil, flags)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Long:  "Display portal-keeper version and build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommandAndDisplay("version", nil, nil)
	},
}

// credentialFlags turns the changed flags into the wire form. The password
// is never taken from argv; --password prompts for it.
func credentialFlags(cmd *cobra.Command) (map[string]string, error) {
	flags := map[string]string{}
	for _, name := range []string{"username", "isp", "portal-url", "remember-password", "auto-login"} {
		if !cmd.Flags().Changed(name) {
			continue
		}
		value, err := cmd.Flags().GetString(name)
		if err != nil {
			return nil, err
		}
		flags[strings.ReplaceAll(name, "-", "_")] = value
	}

	if prompt, _ := cmd.Flags().GetBool("password"); prompt {
		fmt.Print("Portal password: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			return nil, fmt.Errorf("failed to read password")
		}
		password := strings.TrimSpace(scanner.Text())
		if password == "" {
			return nil, fmt.Errorf("no password provided")
		}
		flags["password"] = password
	}
	return flags, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", defaultSocketPath, "Path of the service command socket")
	rootCmd.PersistentFlags().StringVar(&statusAddr, "status-addr", defaultStatusAddr, "Address of the service status server")

	logsCmd.Flags().IntP("tail", "n", 20, "Number of recent events to show")
	logsCmd.Flags().BoolP("follow", "f", false, "Follow new events as they are recorded")

	logoutCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	credentialsCmd.Flags().String("username", "", "Portal account")
	credentialsCmd.Flags().String("isp", "", "Carrier: mobile, unicom, telecom or campus")
	credentialsCmd.Flags().String("portal-url", "", "Portal landing page, e.g. http://10.1.1.1")
	credentialsCmd.Flags().String("remember-password", "", "Keep the password on disk (true/false)")
	credentialsCmd.Flags().String("auto-login", "", "Log in automatically after a disconnect (true/false)")
	credentialsCmd.Flags().Bool("password", false, "Prompt for a new password")

	rootCmd.AddCommand(statusCmd, logsCmd, checkCmd, scanCmd, loginCmd, logoutCmd, credentialsCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
