package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bountyline/internal/config"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/engine"
	"bountyline/internal/migrate"
	"bountyline/internal/mode"
	"bountyline/internal/repo"
	"bountyline/internal/server"
	"bountyline/internal/settle"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bountyline CLI",
	Long: `Bountyline runs an escrowed bounty marketplace.
Core concepts:
- Bounty: a funded piece of work. Prepaid bounties escrow the reward plus
  commission up front; postpaid bounties promise payment and confirm it later.
- Modes: single (one worker), contest (everyone competes, ranked prizes),
  fixed_slots (n identical shares), weighted_slots (subtasks with percents).
- Claim: a worker's stake on a bounty, backed by a bond that comes back on
  good behavior and is forfeited on expiry or a late give-up.
- Settlement: approvals stage token transfers as pending actions; an external
  settlement layer confirms or rejects them via 'bl action resolve'.
- Ledger: the commission book. Fees are locked at creation, settled on payout,
  refunded (minus penalty) on cancel, and withdrawn by their owners.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BOUNTYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("account", "local.user", "acting account id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("account", rootCmd.PersistentFlags().Lookup("account"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(bountyCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(actionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage workspace config",
		Long:  "Config is the marketplace rulebook: category/token catalog, commission rates, bond and deadline bounds. Lives in bountyline.yml in the workspace.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func bountyCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "bounty",
		Short: "Manage bounties",
	}
	b.AddCommand(bountyCreateCmd())
	b.AddCommand(bountyListCmd())
	b.AddCommand(bountyShowCmd())
	b.AddCommand(bountyCancelCmd())
	b.AddCommand(bountyFinalizeCmd())
	b.AddCommand(bountyMarkPaidCmd())
	b.AddCommand(bountyClaimsCmd())
	b.AddCommand(bountyActionsCmd())
	return b
}

func bountyCreateCmd() *cobra.Command {
	var p engine.CreateBountyParams
	var token, authority string
	var modeKind string
	var slots, minSlots, startThreshold int
	var entryCutoff int64
	var prizePlaces, subtaskPercents []int64
	var subtasks []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a bounty",
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Owner = viper.GetString("account")
			if cmd.Flags().Changed("token") {
				p.Token = &token
			}
			if cmd.Flags().Changed("authority") {
				p.Authority = &authority
			}
			st, err := buildModeState(cmd, modeKind, slots, minSlots, startThreshold, entryCutoff, prizePlaces, subtasks, subtaskPercents)
			if err != nil {
				return err
			}
			p.Mode = st
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.CreateBounty(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&p.Title, "title", "", "title")
	cmd.Flags().StringVar(&p.Description, "description", "", "description")
	cmd.Flags().StringVar(&p.Category, "category", "", "catalog category")
	cmd.Flags().StringArrayVar(&p.Tags, "tag", []string{}, "catalog tag (repeatable)")
	cmd.Flags().StringVar(&token, "token", "", "escrow token (omit for postpaid)")
	cmd.Flags().Int64Var(&p.Amount, "amount", 0, "reward amount in token units")
	cmd.Flags().StringVar(&authority, "authority", "", "delegated authority account")
	cmd.Flags().Int64Var(&p.MaxDeadline, "max-deadline", 0, "maximum work duration in seconds")
	cmd.Flags().StringVar(&p.DecisionPolicy, "decision-policy", "", "decision policy (owner, whitelist, dao)")
	cmd.Flags().StringArrayVar(&p.Whitelist, "whitelist", []string{}, "whitelisted account (repeatable)")
	cmd.Flags().BoolVar(&p.ClaimantApproval, "claimant-approval", false, "owner must approve claimants before work starts")
	cmd.Flags().StringVar(&p.KYCPolicy, "kyc-policy", "", "kyc policy (none, required, deferred)")
	cmd.Flags().BoolVar(&p.Postpaid, "postpaid", false, "pay after completion instead of escrowing")
	cmd.Flags().StringVar(&modeKind, "mode", "", "allocation mode (single, contest, fixed_slots, weighted_slots)")
	cmd.Flags().IntVar(&slots, "slots", 0, "slot count for fixed_slots")
	cmd.Flags().IntVar(&minSlots, "min-slots-to-start", 0, "fixed_slots threshold before work starts")
	cmd.Flags().IntVar(&startThreshold, "start-threshold", 0, "contest participant threshold before work starts")
	cmd.Flags().Int64Var(&entryCutoff, "entry-cutoff-seconds", 0, "contest entry cutoff after start")
	cmd.Flags().Int64SliceVar(&prizePlaces, "prize-place", []int64{}, "contest prize amount per place (repeatable, first place first)")
	cmd.Flags().StringArrayVar(&subtasks, "subtask", []string{}, "weighted_slots subtask description (repeatable)")
	cmd.Flags().Int64SliceVar(&subtaskPercents, "subtask-percent", []int64{}, "weighted_slots subtask percent (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("category")
	_ = cmd.MarkFlagRequired("max-deadline")
	return cmd
}

func buildModeState(cmd *cobra.Command, kind string, slots, minSlots, startThreshold int, entryCutoff int64, prizePlaces []int64, subtasks []string, subtaskPercents []int64) (*mode.State, error) {
	switch kind {
	case "", mode.KindSingle:
		return nil, nil
	case mode.KindContest:
		c := &mode.ContestState{PrizePlaces: prizePlaces}
		if cmd.Flags().Changed("start-threshold") {
			c.StartThreshold = &startThreshold
		}
		if cmd.Flags().Changed("entry-cutoff-seconds") {
			c.EntryCutoffSeconds = &entryCutoff
		}
		return &mode.State{Kind: mode.KindContest, Contest: c}, nil
	case mode.KindFixedSlots:
		f := &mode.FixedSlotsState{Slots: slots}
		if cmd.Flags().Changed("min-slots-to-start") {
			f.MinSlotsToStart = &minSlots
		}
		return &mode.State{Kind: mode.KindFixedSlots, Fixed: f}, nil
	case mode.KindWeightedSlots:
		subs := make([]mode.Subtask, 0, len(subtaskPercents))
		for i, pct := range subtaskPercents {
			s := mode.Subtask{Percent: pct}
			if i < len(subtasks) {
				s.Description = subtasks[i]
			}
			subs = append(subs, s)
		}
		return &mode.State{Kind: mode.KindWeightedSlots, Weighted: &mode.WeightedSlotsState{Subtasks: subs}}, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", kind)
	}
}

func bountyListCmd() *cobra.Command {
	var f repo.BountyFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bounties",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListBounties(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Category", "Status", "Amount", "Owner"})
				for _, b := range items {
					tw.AppendRow(table.Row{b.ID, b.Title, b.Category, b.Status, b.Amount, b.Owner})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Owner, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "page size")
	cmd.Flags().Int64Var(&f.CursorID, "cursor", 0, "continue after this bounty id")
	return cmd
}

func bountyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.Repo.GetBounty(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func bountyCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a bounty and refund the escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.CancelBounty(ctx, id, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func bountyFinalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finalize <id>",
		Short: "Close a partially completed bounty and refund the remainder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Finalize(ctx, id, viper.GetString("account")); err != nil {
					return err
				}
				b, err := e.Repo.GetBounty(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func bountyMarkPaidCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mark-paid <id>",
		Short: "Record off-platform payment of a postpaid bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				b, err := e.MarkBountyPaid(ctx, id, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	return cmd
}

func bountyClaimsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claims <id>",
		Short: "List claims on a bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListClaimsByBounty(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Account", "Status", "Slot", "Deadline"})
				for _, c := range items {
					slot := ""
					if c.Slot != nil {
						slot = strconv.Itoa(*c.Slot)
					}
					deadline := ""
					if c.DeadlineAt != nil {
						deadline = *c.DeadlineAt
					}
					tw.AppendRow(table.Row{c.ID, c.Account, c.Status, slot, deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func bountyActionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actions <id>",
		Short: "List settlement actions of a bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListActionsByBounty(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func claimCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "claim",
		Short: "Manage claims",
	}
	c.AddCommand(claimSubmitCmd())
	c.AddCommand(claimListCmd())
	c.AddCommand(claimShowCmd())
	c.AddCommand(claimDoneCmd())
	c.AddCommand(claimGiveUpCmd())
	c.AddCommand(claimApproveClaimantCmd())
	c.AddCommand(claimRejectClaimantCmd())
	c.AddCommand(claimDecideCmd())
	c.AddCommand(claimBatchApproveCmd())
	c.AddCommand(claimDisputeCmd())
	c.AddCommand(claimConfirmPaymentCmd())
	return c
}

func claimSubmitCmd() *cobra.Command {
	var p engine.SubmitClaimParams
	var slot int
	var deadline int64
	cmd := &cobra.Command{
		Use:   "submit <bounty-id>",
		Short: "Stake a claim on a bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			p.BountyID = id
			p.Account = viper.GetString("account")
			if cmd.Flags().Changed("slot") {
				p.Slot = &slot
			}
			if cmd.Flags().Changed("deadline-seconds") {
				p.DeadlineSeconds = &deadline
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.SubmitClaim(ctx, p)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&p.Description, "description", "", "description")
	cmd.Flags().IntVar(&slot, "slot", 0, "subtask slot for weighted_slots bounties")
	cmd.Flags().Int64Var(&deadline, "deadline-seconds", 0, "own deadline, at most the bounty maximum")
	return cmd
}

func claimListCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List claims of an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if account == "" {
				account = viper.GetString("account")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListClaimsByAccount(ctx, account)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Bounty", "Status", "Slot", "Deadline"})
				for _, c := range items {
					slot := ""
					if c.Slot != nil {
						slot = strconv.Itoa(*c.Slot)
					}
					deadline := ""
					if c.DeadlineAt != nil {
						deadline = *c.DeadlineAt
					}
					tw.AppendRow(table.Row{c.ID, c.BountyID, c.Status, slot, deadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account (defaults to the acting account)")
	return cmd
}

func claimShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Repo.GetClaim(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func claimDoneCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "done <id>",
		Short: "Report a claim's work as finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.MarkDone(ctx, id, description, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "result description")
	return cmd
}

func claimGiveUpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "give-up <id>",
		Short: "Walk away from a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.GiveUp(ctx, id, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func claimApproveClaimantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve-claimant <id>",
		Short: "Admit a claimant awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.ApproveClaimant(ctx, id, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func claimRejectClaimantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reject-claimant <id>",
		Short: "Turn away a claimant awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.RejectClaimant(ctx, id, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func claimDecideCmd() *cobra.Command {
	var approve, reject bool
	cmd := &cobra.Command{
		Use:   "decide <id>",
		Short: "Approve or reject completed work",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if approve == reject {
				return fmt.Errorf("exactly one of --approve or --reject is required")
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Decide(ctx, id, approve, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().BoolVar(&approve, "approve", false, "approve the work and stage the payout")
	cmd.Flags().BoolVar(&reject, "reject", false, "reject the work")
	return cmd
}

func claimBatchApproveCmd() *cobra.Command {
	var claimIDs []int64
	cmd := &cobra.Command{
		Use:   "batch-approve <bounty-id>",
		Short: "Approve several completed claims of one bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(claimIDs) == 0 {
				return fmt.Errorf("--claim is required")
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.BatchApprove(ctx, id, claimIDs, viper.GetString("account")); err != nil {
					return err
				}
				items, err := e.Repo.ListClaimsByBounty(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().Int64SliceVar(&claimIDs, "claim", []int64{}, "claim id (repeatable)")
	return cmd
}

func claimDisputeCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "dispute <id>",
		Short: "Escalate a rejected claim to arbitration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.OpenDispute(ctx, id, description, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "dispute grounds")
	return cmd
}

func claimConfirmPaymentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm-payment <id>",
		Short: "Confirm receipt of a postpaid payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.ConfirmPayment(ctx, id, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "ledger",
		Short: "Commission ledger",
	}
	l.AddCommand(ledgerShowCmd())
	l.AddCommand(ledgerBondPoolCmd())
	l.AddCommand(ledgerWithdrawCmd())
	return l
}

func ledgerShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show commission balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.Ledger.Entries(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Token", "Authority", "Balance", "Locked"})
				for _, en := range entries {
					authority := en.Authority
					if authority == "" {
						authority = "(platform)"
					}
					tw.AppendRow(table.Row{en.Token, authority, en.Balance, en.Locked})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func ledgerBondPoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bond-pool <token>",
		Short: "Show the forfeited bond pool for a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				pool, err := e.Ledger.BondPool(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(pool)
			})
		},
	}
	return cmd
}

func ledgerWithdrawCmd() *cobra.Command {
	var token, authority, recipient string
	var amount int64
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw settled commission",
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount <= 0 {
				return fmt.Errorf("--amount must be positive")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.WithdrawCommission(ctx, token, authority, amount, recipient, viper.GetString("account")); err != nil {
					return err
				}
				fmt.Println("withdrawal staged")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "token")
	cmd.Flags().StringVar(&authority, "authority", "", "authority row (empty withdraws the platform row)")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount")
	cmd.Flags().StringVar(&recipient, "recipient", "", "recipient account (defaults to the actor)")
	_ = cmd.MarkFlagRequired("token")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func actionCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "action",
		Short: "Settlement actions",
		Long:  "Actions are staged external operations (payouts, refunds, proposals, disputes). The settlement layer reports their outcome back with 'bl action resolve'.",
	}
	a.AddCommand(actionResolveCmd())
	a.AddCommand(actionDispatchCmd())
	return a
}

func actionResolveCmd() *cobra.Command {
	var ok, failed bool
	var externalID int64
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Apply the external outcome of a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if ok == failed {
				return fmt.Errorf("exactly one of --ok or --failed is required")
			}
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var ext *int64
			if cmd.Flags().Changed("external-id") {
				ext = &externalID
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.ResolveAction(ctx, id, ok, ext); err != nil {
					return err
				}
				a, err := e.Repo.GetAction(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().BoolVar(&ok, "ok", false, "the external operation succeeded")
	cmd.Flags().BoolVar(&failed, "failed", false, "the external operation failed")
	cmd.Flags().Int64Var(&externalID, "external-id", 0, "id assigned by the external system (proposal or dispute id)")
	return cmd
}

func actionDispatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatch <bounty-id>",
		Short: "Re-issue pending actions of a bounty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				e.DispatchPending(ctx, id)
				items, err := e.Repo.ListActionsByBounty(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var bountyID int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, 0, bountyID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().Int64Var(&bountyID, "bounty", 0, "bounty id filter")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "api-key",
		Short: "Manage API keys",
	}
	k.AddCommand(apiKeyCreateCmd())
	k.AddCommand(apiKeyListCmd())
	k.AddCommand(apiKeyDeleteCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for the acting account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				key, rec, err := engine.NewAPIKey(ctx, e.Repo, viper.GetString("account"), name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": rec.ID, "account": rec.ActorID, "name": rec.Name, "key": key})
				}
				fmt.Printf("API key %s for %s (store it now, it is not recoverable):\n%s\n", rec.ID, rec.ActorID, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys of the acting account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, viper.GetString("account"))
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apiKeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("BOUNTYLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("BOUNTYLINE_JWT_SECRET is required for bearer auth")
			}
			e := engine.New(conn, cfg, consolePorts(log.Default()), nil)
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Bountyline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActorHeader, "allow-legacy-actor-header", false, "accept the unauthenticated X-Actor-Id header (dev only)")
	return cmd
}

// --- settlement ports ---

// consoleBridge stands in for the external settlement layer in a standalone
// deployment. It announces each issued operation and leaves the action
// pending until an operator reports the outcome with 'bl action resolve'.
type consoleBridge struct {
	logger *log.Logger
}

func consolePorts(logger *log.Logger) settle.Ports {
	bridge := &consoleBridge{logger: logger}
	return settle.Ports{Transfer: bridge, Governance: bridge, Disputes: bridge}
}

func (b *consoleBridge) Transfer(ctx context.Context, actionID int64, token, recipient string, amount int64, memo string) error {
	b.logger.Printf("settlement: action %d transfer %d %s -> %s (%s); confirm with 'bl action resolve %d --ok'", actionID, amount, token, recipient, memo, actionID)
	return nil
}

func (b *consoleBridge) SubmitProposal(ctx context.Context, actionID int64, description string, payout settle.PayoutRef, bond int64) error {
	b.logger.Printf("settlement: action %d proposal for bounty %d claimant %s; report the vote with 'bl action resolve %d --ok|--failed'", actionID, payout.BountyID, payout.Account, actionID)
	return nil
}

func (b *consoleBridge) GetProposal(ctx context.Context, id int64) (domain.Proposal, error) {
	return domain.Proposal{}, fmt.Errorf("no governance backend configured")
}

func (b *consoleBridge) CreateDispute(ctx context.Context, actionID int64, req settle.DisputeRequest) error {
	b.logger.Printf("settlement: action %d dispute on bounty %d by %s; report the verdict with 'bl action resolve %d --ok|--failed'", actionID, req.BountyID, req.Claimant, actionID)
	return nil
}

func (b *consoleBridge) GetDispute(ctx context.Context, id int64) (domain.Dispute, error) {
	return domain.Dispute{}, fmt.Errorf("no dispute backend configured")
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, consolePorts(log.Default()), nil)
	return fn(ctx, e)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
