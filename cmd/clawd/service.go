package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// Service lifecycle management. Linux gets a systemd user unit; other
// platforms get guidance on running the daemon under their own
// supervisor.

const systemdUnit = `[Unit]
Description=clawd gateway daemon
After=network.target

[Service]
ExecStart=%s serve
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

func unitPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "systemd", "user", "clawd.service"), nil
}

func systemctl(args ...string) error {
	cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func unsupportedPlatform() error {
	fmt.Fprintf(os.Stderr, "service management is only built in on linux (systemd).\n")
	fmt.Fprintf(os.Stderr, "on %s, run `clawd serve` under your platform's supervisor\n", runtime.GOOS)
	fmt.Fprintf(os.Stderr, "(launchd on macOS, a service wrapper on Windows).\n")
	os.Exit(1)
	return nil
}

type installCmd struct{}

func (i *installCmd) Run(c *cli) error {
	if runtime.GOOS != "linux" {
		return unsupportedPlatform()
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	path, err := unitPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf(systemdUnit, exe)), 0644); err != nil {
		return err
	}
	fmt.Printf("installed %s\n", path)
	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	return systemctl("enable", "clawd.service")
}

type uninstallCmd struct{}

func (u *uninstallCmd) Run(c *cli) error {
	if runtime.GOOS != "linux" {
		return unsupportedPlatform()
	}
	systemctl("stop", "clawd.service")
	systemctl("disable", "clawd.service")
	path, err := unitPath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	fmt.Printf("removed %s\n", path)
	return systemctl("daemon-reload")
}

type startCmd struct{}

func (s *startCmd) Run(c *cli) error {
	if runtime.GOOS != "linux" {
		return unsupportedPlatform()
	}
	return systemctl("start", "clawd.service")
}

type stopCmd struct{}

func (s *stopCmd) Run(c *cli) error {
	if runtime.GOOS != "linux" {
		return unsupportedPlatform()
	}
	return systemctl("stop", "clawd.service")
}

type restartCmd struct{}

func (r *restartCmd) Run(c *cli) error {
	if runtime.GOOS != "linux" {
		return unsupportedPlatform()
	}
	return systemctl("restart", "clawd.service")
}
