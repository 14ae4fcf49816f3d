// Package setup holds the interactive first-run wizard.
package setup

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/vadiminshakov/bywatch/config"
	"github.com/vadiminshakov/bywatch/internal/bybit"
	"github.com/vadiminshakov/bywatch/internal/domain"
	"github.com/vadiminshakov/bywatch/internal/services/poller"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1)
)

// RunTUI launches the terminal configuration wizard. Credentials are verified
// against the exchange with a signed balance request before anything is
// written: the wizard never saves a key pair it could not authenticate with.
func RunTUI() error {
	var (
		apiKey      string
		apiSecret   string
		testnet     bool
		intervalStr = "60"
		listenAddr  = config.DefaultListenAddr
		confirm     bool
	)

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("BYWATCH CONFIG WIZARD"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Read-only account monitoring setup.\n"))

	fmt.Println(stepStyle.Render("STEP 1: API CREDENTIALS"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("API Key").
				Description("A read-only key is enough; trading permissions are never used").
				Value(&apiKey).
				Validate(notEmpty("API key")),
			huh.NewInput().
				Title("API Secret").
				Value(&apiSecret).
				EchoMode(huh.EchoModePassword).
				Validate(notEmpty("API secret")),
			huh.NewConfirm().
				Title("Use testnet?").
				Value(&testnet),
		),
	).Run()
	if err != nil {
		return err
	}

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("BYWATCH CONFIG WIZARD"))
	fmt.Println(stepStyle.Render("STEP 2: POLLING"))
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Update Interval (seconds)").
				Description(fmt.Sprintf("Between %d and %d",
					int(poller.MinInterval.Seconds()), int(poller.MaxInterval.Seconds()))).
				Value(&intervalStr).
				Validate(validateInterval),
			huh.NewInput().
				Title("HTTP Listen Address").
				Description("Serves /metrics and the JSON API").
				Value(&listenAddr).
				Validate(notEmpty("listen address")),
		),
	).Run()
	if err != nil {
		return err
	}

	baseURL := ""
	if testnet {
		baseURL = "https://api-testnet.bybit.com"
	}

	fmt.Println(stepStyle.Render("Verifying credentials..."))
	if err := probeCredentials(apiKey, apiSecret, baseURL); err != nil {
		return fmt.Errorf("credential check failed: %w", err)
	}
	fmt.Println(lipgloss.NewStyle().Foreground(special).Render("✓ Credentials verified"))

	fmt.Println(stepStyle.Render("FINAL CONFIRMATION"))
	summary := fmt.Sprintf("Interval: %ss\nListen: %s\nTestnet: %t\n", intervalStr, listenAddr, testnet)
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary))

	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save Configuration?").
				Affirmative("Yes, save").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	interval, _ := strconv.Atoi(intervalStr)
	cfgTmp := config.ConfigTmp{
		BaseURL:               baseURL,
		UpdateIntervalSeconds: interval,
		ListenAddr:            listenAddr,
	}
	data, err := yaml.Marshal(cfgTmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	if err := os.WriteFile("config.gen.yaml", data, 0o644); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	// credentials go to .env only, with owner-only permissions
	env := fmt.Sprintf("%s=%s\n%s=%s\n", config.EnvAPIKey, apiKey, config.EnvAPISecret, apiSecret)
	if err := os.WriteFile(".env", []byte(env), 0o600); err != nil {
		return fmt.Errorf("failed to save .env file: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).
		Render("\n✓ Saved config.gen.yaml and .env\nRun: bywatch -config config.gen.yaml"))
	return nil
}

// probeCredentials performs one signed balance request so invalid keys are
// rejected at setup time instead of on the first poll cycle.
func probeCredentials(apiKey, apiSecret, baseURL string) error {
	creds, err := domain.NewCredentials(apiKey, apiSecret)
	if err != nil {
		return err
	}

	opts := []bybit.Option{bybit.WithTimeout(10 * time.Second)}
	if baseURL != "" {
		opts = append(opts, bybit.WithBaseURL(baseURL))
	}
	client := bybit.NewClient(creds, opts...)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = client.FetchBalance(ctx)
	return err
}

func notEmpty(name string) func(string) error {
	return func(s string) error {
		if s == "" {
			return fmt.Errorf("%s cannot be empty", name)
		}
		return nil
	}
}

func validateInterval(s string) error {
	seconds, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("must be a whole number of seconds")
	}
	interval := time.Duration(seconds) * time.Second
	if interval < poller.MinInterval || interval > poller.MaxInterval {
		return fmt.Errorf("must be between %d and %d",
			int(poller.MinInterval.Seconds()), int(poller.MaxInterval.Seconds()))
	}
	return nil
}
