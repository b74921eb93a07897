// rig-status prints the state of a running rig and its most recent trials.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/banshee-data/tuberig/internal/api"
	"github.com/banshee-data/tuberig/internal/db"
)

func main() {
	var (
		addr    string
		limit   int
		session string
		timeout time.Duration
	)
	flag.StringVar(&addr, "addr", "http://localhost:8080", "Base URL of the rig API")
	flag.IntVar(&limit, "n", 10, "Number of recent trials to list")
	flag.StringVar(&session, "session", "", "List the trials of this session instead of the most recent ones")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client := api.NewClient(addr, nil)
	st, err := client.Status(ctx)
	if err != nil {
		log.Fatalf("status: %v", err)
	}
	printStatus(os.Stdout, st)

	var trials []db.TrialSummary
	if session != "" {
		trials, err = client.SessionTrials(ctx, session)
	} else {
		trials, err = client.RecentTrials(ctx, limit)
	}
	if err != nil {
		log.Fatalf("trials: %v", err)
	}
	printTrials(os.Stdout, trials)
}

func printStatus(w io.Writer, st api.StatusResponse) {
	fmt.Fprintf(w, "tuberig %s, up %s\n", st.Version, time.Duration(st.Uptime*float64(time.Second)).Round(time.Second))
	if st.Arbitrator != nil {
		fmt.Fprintf(w, "authority: %s (%d commands, %d rejected)\n", st.Arbitrator.Authority, st.Arbitrator.Commands, st.Arbitrator.Rejected)
	}
	a := st.Apparatus
	if !a.Running || a.Controller == nil {
		fmt.Fprintln(w, "controller: stopped")
		return
	}
	c := a.Controller
	fmt.Fprintf(w, "controller: %s, phase %s, disk %d, %d trials\n", c.Profile, c.Phase, c.Disk, c.Trials)
	if c.Paused {
		fmt.Fprintln(w, "  paused")
	}
	fmt.Fprintf(w, "  position %.2f cm, velocity %.2f cm/s\n", c.Last.PositionCm, c.Last.VelocityCmS)
}

func printTrials(w io.Writer, trials []db.TrialSummary) {
	if len(trials) == 0 {
		fmt.Fprintln(w, "no trials")
		return
	}
	fmt.Fprintf(w, "%-4s %-10s %-4s %-10s %8s %8s\n", "#", "profile", "disk", "outcome", "dur(s)", "max(cm)")
	for _, t := range trials {
		fmt.Fprintf(w, "%-4d %-10s %-4d %-10s %8.2f %8.2f\n", t.Number, t.Profile, t.Disk, t.Outcome, t.DurationS, t.MaxPositionCm)
	}
}
