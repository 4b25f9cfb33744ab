// Package config assembles and validates the process settings handed to the
// control plane at startup.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Execution modes.
const (
	ModeFleet   = "fleet"   // coordinate remote frame-processing workers
	ModeCommand = "command" // run a templated local capture command
)

// Settings are the constructor parameters of the control plane, parsed from
// the command line by cmd/framectld.
type Settings struct {
	Mode string

	// Fleet mode.
	Subsystems   []string
	Endpoints    map[string][]string // subsystem -> worker endpoints
	CtrlTimeout  time.Duration
	PollInterval time.Duration
	ProfilePath  string
	Liveview     bool

	// Command mode.
	CmdTemplate string

	HistoryPath string
	ListenAddr  string
}

// SplitList parses a comma-separated list, trimming whitespace and dropping
// empty entries.
func SplitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks the settings for the selected mode.
func (s *Settings) Validate() error {
	if s.CtrlTimeout <= 0 {
		return errors.New("config: control timeout must be > 0")
	}

	switch s.Mode {
	case ModeCommand:
		if strings.TrimSpace(s.CmdTemplate) == "" {
			return errors.New("config: command mode requires a command template")
		}
		return nil

	case ModeFleet:
		if len(s.Subsystems) == 0 {
			return errors.New("config: at least one subsystem required")
		}
		if s.PollInterval <= 0 {
			return errors.New("config: poll interval must be > 0")
		}
		if s.ProfilePath == "" {
			return errors.New("config: profile document path required")
		}
		for _, name := range s.Subsystems {
			if len(s.Endpoints[name]) == 0 {
				return fmt.Errorf("config: no control endpoints for subsystem %q", name)
			}
		}
		return nil

	default:
		return fmt.Errorf("config: unknown mode %q", s.Mode)
	}
}
