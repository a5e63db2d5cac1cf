// Package main implements bridgectl, the operator control-plane CLI
// (spec §4.11/§6). It talks directly to the same database the server
// uses — there is no HTTP round trip — since the human operator is
// trusted out of band and the dispatcher's role-based pipeline does not
// apply to these commands.
//
// Usage:
//
//	bridgectl inspect-thread --thread-id t_123
//	bridgectl escalate-thread --thread-id t_123
//	bridgectl unblock-thread --thread-id t_123 --actor-agent-id agent_a --reason "resolved"
//	bridgectl override-close-thread --thread-id t_123 --reason "human_override: abandoning"
//	bridgectl assign-owner --thread-id t_123 --owner-agent-id agent_b --assigned-by operator_1
//	bridgectl fallback-list
//	bridgectl fallback-kill --trigger-id trg_456
//
// Environment variables:
//
//	BRIDGE_DB_DRIVER    sqlite or postgres (default: sqlite)
//	BRIDGE_DATABASE_URL DB connection string or file path (default: ./bridge.db)
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agent-bridge/bridge/internal/db"
	"github.com/agent-bridge/bridge/internal/fallback"
	"github.com/agent-bridge/bridge/internal/gormstore"
	"github.com/agent-bridge/bridge/internal/operator"
)

var (
	dbDriver   string
	dbDSN      string
	jsonOutput bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "bridgectl",
		Short: "agent-bridge operator control plane",
		Long: `bridgectl drives the human-operator escalation commands (spec §4.11):
inspecting and unblocking threads, assigning escalation owners, and
listing or killing runaway fallback processes. It connects to the
bridge database directly.`,
	}

	root.PersistentFlags().StringVar(&dbDriver, "db-driver", envOrDefault("BRIDGE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&dbDSN, "db-dsn", envOrDefault("BRIDGE_DATABASE_URL", "./bridge.db"), "Database DSN or file path")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		newInspectThreadCmd(),
		newEscalateThreadCmd(),
		newUnblockThreadCmd(),
		newOverrideCloseThreadCmd(),
		newAssignOwnerCmd(),
		newReassignOwnerCmd(),
		newGetOwnerCmd(),
		newFallbackListCmd(),
		newFallbackKillCmd(),
	)

	return root
}

// openOperator connects to the database and builds an operator.Operator.
// Callers are responsible for closing the returned closer.
func openOperator() (*operator.Operator, func(), error) {
	logger := zap.NewNop()

	gormDB, err := db.New(db.Config{
		Driver:   dbDriver,
		DSN:      dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("getting sql.DB: %w", err)
	}
	closer := func() { sqlDB.Close() }

	threads := gormstore.NewThreadStore(gormDB)
	triggers := gormstore.NewTriggerStore(gormDB)
	fallbackRuns := gormstore.NewFallbackStore(gormDB)
	reconciler := fallback.NewReconciler(fallbackRuns, triggers, fallback.DefaultConfig(), logger)

	return operator.New(threads, triggers, fallbackRuns, reconciler), closer, nil
}

// emit prints a successful result, as JSON if --json was passed or
// otherwise via fmt's default struct formatting.
func emit(v interface{}) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	fmt.Printf("%+v\n", v)
}

// fail writes the {ok:false, code, message} envelope to stderr and
// returns a non-nil error so cobra exits 1.
func fail(err error) error {
	opErr, ok := err.(*operator.Error)
	code, msg := "INTERNAL", err.Error()
	if ok {
		code, msg = opErr.Code, opErr.Message
	}
	body := map[string]interface{}{"ok": false, "code": code, "message": msg}
	enc := json.NewEncoder(os.Stderr)
	_ = enc.Encode(body)
	return err
}

func newInspectThreadCmd() *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "inspect-thread",
		Short: "show a thread's current status, participants, and escalation owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			op, closer, err := openOperator()
			if err != nil {
				return fail(err)
			}
			defer closer()
			view, err := op.InspectThread(context.Background(), threadID)
			if err != nil {
				return fail(err)
			}
			emit(view)
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread-id", "", "thread id (required)")
	cmd.MarkFlagRequired("thread-id")
	return cmd
}

func newEscalateThreadCmd() *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "escalate-thread",
		Short: "transition a thread from active to blocked",
		RunE: func(cmd *cobra.Command, args []string) error {
			op, closer, err := openOperator()
			if err != nil {
				return fail(err)
			}
			defer closer()
			view, err := op.EscalateThread(context.Background(), threadID)
			if err != nil {
				return fail(err)
			}
			emit(view)
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread-id", "", "thread id (required)")
	cmd.MarkFlagRequired("thread-id")
	return cmd
}

func newUnblockThreadCmd() *cobra.Command {
	var threadID, actorAgentID, reason string
	cmd := &cobra.Command{
		Use:   "unblock-thread",
		Short: "transition a thread from blocked to active",
		RunE: func(cmd *cobra.Command, args []string) error {
			op, closer, err := openOperator()
			if err != nil {
				return fail(err)
			}
			defer closer()
			view, err := op.UnblockThread(context.Background(), threadID, actorAgentID, reason)
			if err != nil {
				return fail(err)
			}
			emit(view)
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread-id", "", "thread id (required)")
	cmd.Flags().StringVar(&actorAgentID, "actor-agent-id", "", "agent id performing this action (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "required unless actor is the escalation owner; must begin with human_override: or coordinator_override: otherwise")
	cmd.MarkFlagRequired("thread-id")
	cmd.MarkFlagRequired("actor-agent-id")
	return cmd
}

func newOverrideCloseThreadCmd() *cobra.Command {
	var threadID, reason string
	cmd := &cobra.Command{
		Use:   "override-close-thread",
		Short: "transition a thread from blocked to closed (always requires an override reason)",
		RunE: func(cmd *cobra.Command, args []string) error {
			op, closer, err := openOperator()
			if err != nil {
				return fail(err)
			}
			defer closer()
			view, err := op.OverrideCloseThread(context.Background(), threadID, reason)
			if err != nil {
				return fail(err)
			}
			emit(view)
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread-id", "", "thread id (required)")
	cmd.Flags().StringVar(&reason, "reason", "", "must begin with human_override: or coordinator_override: (required)")
	cmd.MarkFlagRequired("thread-id")
	cmd.MarkFlagRequired("reason")
	return cmd
}

func newAssignOwnerCmd() *cobra.Command {
	var threadID, ownerAgentID, assignedBy string
	cmd := &cobra.Command{
		Use:   "assign-owner",
		Short: "assign the escalation owner of a blocked thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			op, closer, err := openOperator()
			if err != nil {
				return fail(err)
			}
			defer closer()
			view, err := op.AssignEscalationOwner(context.Background(), threadID, ownerAgentID, assignedBy)
			if err != nil {
				return fail(err)
			}
			emit(view)
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread-id", "", "thread id (required)")
	cmd.Flags().StringVar(&ownerAgentID, "owner-agent-id", "", "agent id to assign as escalation owner (required)")
	cmd.Flags().StringVar(&assignedBy, "assigned-by", "", "agent id performing the assignment (required)")
	cmd.MarkFlagRequired("thread-id")
	cmd.MarkFlagRequired("owner-agent-id")
	cmd.MarkFlagRequired("assigned-by")
	return cmd
}

func newReassignOwnerCmd() *cobra.Command {
	var threadID, ownerAgentID, assignedBy string
	cmd := &cobra.Command{
		Use:   "reassign-owner",
		Short: "replace the escalation owner of a blocked thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			op, closer, err := openOperator()
			if err != nil {
				return fail(err)
			}
			defer closer()
			view, err := op.ReassignEscalationOwner(context.Background(), threadID, ownerAgentID, assignedBy)
			if err != nil {
				return fail(err)
			}
			emit(view)
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread-id", "", "thread id (required)")
	cmd.Flags().StringVar(&ownerAgentID, "owner-agent-id", "", "agent id to assign as escalation owner (required)")
	cmd.Flags().StringVar(&assignedBy, "assigned-by", "", "agent id performing the reassignment (required)")
	cmd.MarkFlagRequired("thread-id")
	cmd.MarkFlagRequired("owner-agent-id")
	cmd.MarkFlagRequired("assigned-by")
	return cmd
}

func newGetOwnerCmd() *cobra.Command {
	var threadID string
	cmd := &cobra.Command{
		Use:   "get-owner",
		Short: "print the current escalation owner of a thread, if any",
		RunE: func(cmd *cobra.Command, args []string) error {
			op, closer, err := openOperator()
			if err != nil {
				return fail(err)
			}
			defer closer()
			owner, err := op.GetEscalationOwner(context.Background(), threadID)
			if err != nil {
				return fail(err)
			}
			emit(map[string]string{"thread_id": threadID, "escalation_owner_agent_id": owner})
			return nil
		},
	}
	cmd.Flags().StringVar(&threadID, "thread-id", "", "thread id (required)")
	cmd.MarkFlagRequired("thread-id")
	return cmd
}

func newFallbackListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fallback-list",
		Short: "list every running fallback process",
		RunE: func(cmd *cobra.Command, args []string) error {
			op, closer, err := openOperator()
			if err != nil {
				return fail(err)
			}
			defer closer()
			views, err := op.FallbackList(context.Background())
			if err != nil {
				return fail(err)
			}
			emit(views)
			return nil
		},
	}
}

func newFallbackKillCmd() *cobra.Command {
	var triggerID, threadID string
	cmd := &cobra.Command{
		Use:   "fallback-kill",
		Short: "terminate the running fallback process(es) for a trigger or thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			op, closer, err := openOperator()
			if err != nil {
				return fail(err)
			}
			defer closer()
			views, err := op.FallbackKill(context.Background(), triggerID, threadID)
			if err != nil {
				return fail(err)
			}
			emit(views)
			return nil
		},
	}
	cmd.Flags().StringVar(&triggerID, "trigger-id", "", "trigger id to kill")
	cmd.Flags().StringVar(&threadID, "thread-id", "", "kill every running fallback for this thread")
	return cmd
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
