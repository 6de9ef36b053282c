package main

import (
	"fmt"
	"io"
	"log"
	"sort"

	"github.com/spf13/cobra"

	"github.com/benjidanielsen/Flowstate-AI-sub001/internal/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status [agent]",
	Short: "Show board counts, or an agent's unread and held work",
	Long: `Without an agent, print task counts by status and the node's health.
With an agent, print "unread=N held=N available=N" for scripting.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	pol, err := loadPolicy()
	if err != nil {
		return err
	}
	n, err := openNode(pol, log.New(io.Discard, "", 0))
	if err != nil {
		return err
	}
	defer n.close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		return printAgentStatus(out, n, args[0])
	}
	return printNodeStatus(out, n)
}

func printAgentStatus(out io.Writer, n *node, agent string) error {
	unread, err := n.bus.Inbox(agent, true)
	if err != nil {
		return err
	}
	held, available := 0, 0
	err = n.svc.Query(func(state *domain.CoordState) error {
		held = state.ActiveTaskCount(agent)
		a, ok := state.Agents[agent]
		for _, t := range state.Tasks {
			if t.Status != domain.StatusAvailable {
				continue
			}
			if !ok || hasAnySkill(a, t.RequiredSkills) {
				available++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "unread=%d held=%d available=%d\n", len(unread), held, available)
	return nil
}

func hasAnySkill(a *domain.Agent, skills []string) bool {
	for _, s := range skills {
		if a.HasSkill(s) {
			return true
		}
	}
	return false
}

func printNodeStatus(out io.Writer, n *node) error {
	counts := make(map[string]int)
	var agents, offline int
	var clock uint64
	err := n.svc.Query(func(state *domain.CoordState) error {
		clock = state.Clock
		agents = len(state.Agents)
		for _, t := range state.Tasks {
			counts[string(t.Status)]++
		}
		for _, hb := range state.Heartbeats {
			if hb.Status == domain.AgentOffline {
				offline++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "node=%s clock=%d agents=%d offline=%d\n", n.svc.NodeID(), clock, agents, offline)
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	for _, s := range statuses {
		fmt.Fprintf(out, "  %-12s %d\n", s, counts[s])
	}
	if n.syncer != nil {
		st := n.syncer.Status()
		fmt.Fprintf(out, "replication: channel=%s pending=%d\n", n.channel.Dir(), st.Pending)
	}
	return nil
}
