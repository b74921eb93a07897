package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/tuberig/internal/api"
	"github.com/banshee-data/tuberig/internal/apparatus"
	"github.com/banshee-data/tuberig/internal/db"
	"github.com/banshee-data/tuberig/internal/protocol"
	"github.com/banshee-data/tuberig/internal/trial"
)

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, api.StatusResponse{Version: "v1", Uptime: 61})
	assert.Equal(t, "tuberig v1, up 1m1s\ncontroller: stopped\n", buf.String())

	buf.Reset()
	printStatus(&buf, api.StatusResponse{
		Version: "v1",
		Apparatus: apparatus.Status{
			Running:    true,
			Controller: &trial.Status{Profile: "standard", Phase: protocol.PhaseIdle, Disk: 2, Trials: 3},
		},
	})
	assert.Contains(t, buf.String(), "controller: standard")
	assert.Contains(t, buf.String(), "disk 2, 3 trials")
}

func TestPrintTrials(t *testing.T) {
	var buf bytes.Buffer
	printTrials(&buf, nil)
	assert.Equal(t, "no trials\n", buf.String())

	buf.Reset()
	printTrials(&buf, []db.TrialSummary{{Number: 1, Profile: "standard", Disk: 1, Outcome: protocol.OutcomeRewarded, DurationS: 2.5}})
	assert.Contains(t, buf.String(), "standard")
	assert.Contains(t, buf.String(), "2.50")
}
