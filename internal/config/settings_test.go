package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"babyd", "hexitec"}, SplitList("babyd, hexitec"))
	assert.Equal(t, []string{"a"}, SplitList("a,,"))
	assert.Nil(t, SplitList(""))
	assert.Nil(t, SplitList(" , "))
}

func validFleetSettings() Settings {
	return Settings{
		Mode:         ModeFleet,
		Subsystems:   []string{"babyd"},
		Endpoints:    map[string][]string{"babyd": {"tcp://h1:5000"}},
		CtrlTimeout:  time.Second,
		PollInterval: time.Second,
		ProfilePath:  "/etc/framectl/profile.yaml",
	}
}

func TestValidateFleet(t *testing.T) {
	s := validFleetSettings()
	assert.NoError(t, s.Validate())

	s = validFleetSettings()
	s.Subsystems = nil
	assert.Error(t, s.Validate())

	s = validFleetSettings()
	s.Endpoints = nil
	assert.Error(t, s.Validate())

	s = validFleetSettings()
	s.ProfilePath = ""
	assert.Error(t, s.Validate())

	s = validFleetSettings()
	s.PollInterval = 0
	assert.Error(t, s.Validate())

	s = validFleetSettings()
	s.CtrlTimeout = 0
	assert.Error(t, s.Validate())
}

func TestValidateCommand(t *testing.T) {
	s := Settings{Mode: ModeCommand, CmdTemplate: "echo hi", CtrlTimeout: time.Second}
	assert.NoError(t, s.Validate())

	s.CmdTemplate = "  "
	assert.Error(t, s.Validate())
}

func TestValidateUnknownMode(t *testing.T) {
	s := Settings{Mode: "other", CtrlTimeout: time.Second}
	assert.Error(t, s.Validate())
}
