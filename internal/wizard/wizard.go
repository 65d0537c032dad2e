// Package wizard provides an interactive setup prompt for reactorsocksd,
// used when --interactive is passed, no listen port is given on the
// command line, and stdin is a terminal.
package wizard

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/lumen-proxy/reactorsocks/internal/config"
)

// Result contains the settings the wizard collected.
type Result struct {
	Port           int
	ResolvConfPath string
	DNSFallback    string
}

// Wizard walks the operator through the handful of settings this proxy
// actually has, instead of requiring a config file or flags.
type Wizard struct {
	defaults *config.Config
}

// New creates a setup wizard seeded with cfg's defaults.
func New(cfg *config.Config) *Wizard {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Wizard{defaults: cfg}
}

var banner = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("86")).
	Padding(0, 1)

func (w *Wizard) printBanner() {
	fmt.Println(banner.Render("reactorsocksd setup"))
	fmt.Println(lipgloss.NewStyle().Faint(true).Render("single-threaded SOCKS5 proxy with async DNS"))
	fmt.Println()
}

// Run prompts for the listen port and an optional resolver override,
// returning the collected settings.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	_, defaultPort, err := splitDefaultAddr(w.defaults.Listen.Address)
	if err != nil {
		defaultPort = "1080"
	}

	portStr := defaultPort
	resolvConfPath := w.defaults.DNS.ResolvConfPath
	dnsFallback := w.defaults.DNS.Fallback

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen port").
				Description("TCP port the SOCKS5 proxy accepts connections on").
				Value(&portStr).
				Validate(validatePort),
			huh.NewInput().
				Title("resolv.conf path (optional)").
				Description("Leave empty to use /etc/resolv.conf").
				Value(&resolvConfPath),
			huh.NewInput().
				Title("DNS fallback server (optional)").
				Description("Used when resolv.conf has no usable nameserver").
				Placeholder(dnsFallback).
				Value(&dnsFallback),
		),
	)

	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("setup wizard: %w", err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	if dnsFallback == "" {
		dnsFallback = w.defaults.DNS.Fallback
	}

	return &Result{
		Port:           port,
		ResolvConfPath: resolvConfPath,
		DNSFallback:    dnsFallback,
	}, nil
}

func validatePort(s string) error {
	port, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port must be a number")
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

// splitDefaultAddr splits a "host:port" default listen address, used
// only to seed the form with the port half.
func splitDefaultAddr(addr string) (host, port string, err error) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i], addr[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("no port in address %q", addr)
}
