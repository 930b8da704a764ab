package commands

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/gitswarm/gitswarm/internal/council"
	"github.com/gitswarm/gitswarm/internal/printer"
	"github.com/gitswarm/gitswarm/pkg/model"
)

var (
	councilMinMembers int
	councilMaxMembers int
	councilTermDays   int
	proposalType      string
	proposalAction    string
	voteChoice        string
)

var councilCmd = &cobra.Command{
	Use:   "council",
	Short: "Repository governance councils",
}

var councilCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Form a council for the repository",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		agent, err := e.actor(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		c, err := e.coord.CreateCouncil(ctx, agent, e.repo, council.CreateOptions{
			MinMembers: councilMinMembers,
			MaxMembers: councilMaxMembers,
			TermDays:   councilTermDays,
		})
		if err != nil {
			return printer.Fail(err)
		}
		printer.Success("formed council %s (activates at %d members)\n", c.ID, c.MinMembers)
		return nil
	},
}

var councilStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the council and its members",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		c, err := e.coord.GetCouncil(ctx, e.repo.ID)
		if err != nil {
			return printer.Fail(err)
		}
		printer.Info("council: %s (%s)\n", c.ID, c.Status)
		printer.Info("members: %d–%d, quorum %d (critical %d), term %d days\n",
			c.MinMembers, c.MaxMembers, c.StandardQuorum, c.CriticalQuorum, c.TermDays)

		members, err := e.coord.CouncilMembers(ctx, c.ID)
		if err != nil {
			return printer.Fail(err)
		}
		rows := make([][]string, 0, len(members))
		for _, m := range members {
			name := m.AgentID
			if a, err := e.coord.GetAgent(ctx, m.AgentID); err == nil {
				name = a.Name
			}
			rows = append(rows, []string{name, string(m.Role), strconv.Itoa(m.VotesCast)})
		}
		printer.Table(os.Stdout, []string{"MEMBER", "ROLE", "VOTES"}, rows)
		return nil
	},
}

var councilAddMemberCmd = &cobra.Command{
	Use:   "add-member <agent-name>",
	Short: "Seat an agent on the council",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		agent, err := e.actor(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		member, err := e.coord.GetAgentByName(ctx, args[0])
		if err != nil {
			return printer.Fail(err)
		}
		c, err := e.coord.GetCouncil(ctx, e.repo.ID)
		if err != nil {
			return printer.Fail(err)
		}
		if err := e.coord.AddCouncilMember(ctx, agent, e.repo, c.ID, member.ID, model.CouncilRoleMember); err != nil {
			return printer.Fail(err)
		}
		printer.Success("seated %s on the council\n", member.Name)
		return nil
	},
}

var councilProposeCmd = &cobra.Command{
	Use:   "propose <title>",
	Short: "Open a proposal with a typed action",
	Long: `Propose opens a council proposal. --type selects the action and
--action carries its JSON payload, for example:

  gitswarm council propose "promote ada" \
    --type add_maintainer --action '{"agent_id":"<id>"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		agent, err := e.actor(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		c, err := e.coord.GetCouncil(ctx, e.repo.ID)
		if err != nil {
			return printer.Fail(err)
		}
		p, err := e.coord.Propose(ctx, agent, c.ID, args[0],
			model.ProposalType(proposalType), json.RawMessage(proposalAction))
		if err != nil {
			return printer.Fail(err)
		}
		printer.Success("opened proposal %s (quorum %d)\n", p.ID, p.QuorumRequired)
		return nil
	},
}

var councilVoteCmd = &cobra.Command{
	Use:   "vote <proposal-id>",
	Short: "Vote on an open proposal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		agent, err := e.actor(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		p, err := e.coord.VoteProposal(ctx, agent, args[0], model.VoteChoice(voteChoice))
		if err != nil {
			return printer.Fail(err)
		}
		printer.Success("voted %s (%d for / %d against / %d abstain)\n",
			voteChoice, p.VotesFor, p.VotesAgainst, p.VotesAbstain)
		if p.Status != model.ProposalStatusOpen {
			printer.Step("proposal %s\n", p.Status)
			if p.ExecutionResult != "" {
				printer.Info("  result: %s\n", p.ExecutionResult)
			}
		}
		return nil
	},
}

var councilProposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "List the council's proposals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEnv(ctx)
		if err != nil {
			return printer.Fail(err)
		}
		defer e.close()

		c, err := e.coord.GetCouncil(ctx, e.repo.ID)
		if err != nil {
			return printer.Fail(err)
		}
		proposals, err := e.coord.Proposals(ctx, c.ID)
		if err != nil {
			return printer.Fail(err)
		}
		rows := make([][]string, 0, len(proposals))
		for _, p := range proposals {
			tally := strconv.Itoa(p.VotesFor) + "/" + strconv.Itoa(p.VotesAgainst) + "/" + strconv.Itoa(p.VotesAbstain)
			rows = append(rows, []string{p.Title, string(p.Type), string(p.Status), tally, p.ID})
		}
		printer.Table(os.Stdout, []string{"TITLE", "TYPE", "STATUS", "F/A/AB", "ID"}, rows)
		return nil
	},
}

func init() {
	councilCreateCmd.Flags().IntVar(&councilMinMembers, "min-members", 0, "members needed to activate")
	councilCreateCmd.Flags().IntVar(&councilMaxMembers, "max-members", 0, "seat limit")
	councilCreateCmd.Flags().IntVar(&councilTermDays, "term-days", 0, "member term length")
	councilProposeCmd.Flags().StringVar(&proposalType, "type", "", "proposal type")
	councilProposeCmd.Flags().StringVar(&proposalAction, "action", "{}", "JSON action payload")
	councilVoteCmd.Flags().StringVar(&voteChoice, "choice", "for", "for, against, or abstain")
	councilCmd.AddCommand(councilCreateCmd, councilStatusCmd, councilAddMemberCmd,
		councilProposeCmd, councilVoteCmd, councilProposalsCmd)
	rootCmd.AddCommand(councilCmd)
}
