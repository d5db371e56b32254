// ABOUTME: Operator commands over a short-lived gateway session: pairing, node listing and invoke.
// ABOUTME: Pairing decisions are recorded in the local audit log.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/2389/coven-node/internal/auth"
	"github.com/2389/coven-node/internal/config"
	"github.com/2389/coven-node/internal/gateway"
	"github.com/2389/coven-node/internal/pairing"
	"github.com/2389/coven-node/internal/protocol"
	"github.com/2389/coven-node/internal/store"
)

type operator struct {
	cfg     *config.Config
	session *gateway.Session
	ledger  *store.SQLiteStore
	client  *pairing.Client
}

func dialOperator(ctx context.Context) (*operator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := setupLogger(cfg.Logging)

	endpoint, err := cfg.GatewayEndpoint()
	if err != nil {
		return nil, err
	}
	sess, err := gateway.Connect(ctx, gateway.Config{
		URL:    endpoint,
		Token:  cfg.GatewayToken,
		Role:   protocol.RoleOperator,
		Scopes: []string{"operator.admin"},
		Client: protocol.ClientInfo{
			ID:       cfg.NodeID + "-cli",
			Version:  version,
			Platform: runtime.GOOS,
			Mode:     "cli",
		},
		HandshakeTimeout: cfg.Timeouts.Handshake,
		RequestTimeout:   cfg.Timeouts.Request,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	op := &operator{cfg: cfg, session: sess}
	opts := []pairing.Option{pairing.WithLogger(logger)}
	if ledger, err := store.NewSQLiteStore(cfg.LedgerPath); err == nil {
		op.ledger = ledger
		opts = append(opts, pairing.WithAudit(ledger, "cli"))
	} else {
		logger.Warn("audit log unavailable", "error", err)
	}
	op.client = pairing.NewClient(sess, opts...)
	return op, nil
}

func (o *operator) Close() {
	_ = o.session.Close()
	if o.ledger != nil {
		_ = o.ledger.Close()
	}
}

var pairingCmd = &cobra.Command{
	Use:   "pairing",
	Short: "Review device pairing requests",
}

var pairingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending and paired devices",
	RunE: func(cmd *cobra.Command, _ []string) error {
		op, err := dialOperator(cmd.Context())
		if err != nil {
			return err
		}
		defer op.Close()

		listing, err := op.client.List(cmd.Context())
		if err != nil {
			return err
		}

		bold := color.New(color.Bold)
		bold.Println("Pending")
		if len(listing.Pending) == 0 {
			fmt.Println("  (none)")
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		for _, r := range listing.Pending {
			created := ""
			if r.CreatedAtMs > 0 {
				created = time.UnixMilli(r.CreatedAtMs).Format(time.RFC3339)
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", color.YellowString(r.RequestID), r.DeviceID, r.DisplayName, created)
		}
		_ = w.Flush()

		bold.Println("Paired")
		if len(listing.Paired) == 0 {
			fmt.Println("  (none)")
		}
		for _, id := range listing.Paired {
			fmt.Printf("  %s\n", color.GreenString(id))
		}
		return nil
	},
}

func pairingDecisionCmd(use, done, short string, approve bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := dialOperator(cmd.Context())
			if err != nil {
				return err
			}
			defer op.Close()

			if approve {
				err = op.client.Approve(cmd.Context(), args[0])
			} else {
				err = op.client.Reject(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s %s %s\n", color.GreenString("✓"), done, args[0])
			return nil
		},
	}
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List nodes known to the gateway",
	RunE: func(cmd *cobra.Command, _ []string) error {
		op, err := dialOperator(cmd.Context())
		if err != nil {
			return err
		}
		defer op.Close()

		nodes, err := op.client.ListNodes(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tNAME\tPLATFORM\tSTATE\tCOMMANDS")
		for _, n := range nodes {
			state := color.HiBlackString("offline")
			if n.Connected {
				state = color.GreenString("online")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", n.NodeID, n.DisplayName, n.Platform, state, len(n.Commands))
		}
		return w.Flush()
	},
}

var (
	invokeNode    string
	invokeKey     string
	invokeTimeout time.Duration
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <command> [params-json]",
	Short: "Invoke a command on a node through the gateway",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := json.RawMessage("{}")
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("params are not valid JSON")
			}
			params = json.RawMessage(args[1])
		}

		op, err := dialOperator(cmd.Context())
		if err != nil {
			return err
		}
		defer op.Close()

		nodeID := invokeNode
		if nodeID == "" {
			nodeID, err = selfNodeID(cmd.Context(), op)
			if err != nil {
				return err
			}
		}
		key := invokeKey
		if key == "" {
			key = uuid.NewString()
		}

		inv := protocol.Invocation{
			NodeID:         nodeID,
			Command:        args[0],
			Params:         params,
			IdempotencyKey: key,
			TimeoutMs:      invokeTimeout.Milliseconds(),
		}
		p, err := op.session.Correlator().Send(cmd.Context(), protocol.MethodNodeInvoke, inv)
		if err != nil {
			return err
		}
		res, err := op.session.Correlator().Await(cmd.Context(), p, invokeTimeout+op.cfg.Timeouts.Request)
		if err != nil {
			return err
		}

		r := protocol.NormalizeInvoke(res)
		if !r.OK() {
			return fmt.Errorf("%s failed: %w", args[0], r.Err())
		}
		return printJSON(r.Payload())
	},
}

// selfNodeID resolves the id the gateway uses for this machine's node.
func selfNodeID(ctx context.Context, op *operator) (string, error) {
	id, err := auth.LoadOrCreateIdentity(op.cfg.IdentityPath)
	if err != nil {
		return "", err
	}
	return op.client.ResolveNodeID(ctx, op.cfg.NodeID, id.DeviceID())
}

func printJSON(raw json.RawMessage) error {
	if len(raw) == 0 {
		fmt.Println("null")
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	invokeCmd.Flags().StringVar(&invokeNode, "node", "", "target node id (default: this machine's node)")
	invokeCmd.Flags().StringVar(&invokeKey, "idempotency-key", "", "idempotency key (default: random)")
	invokeCmd.Flags().DurationVar(&invokeTimeout, "timeout", 30*time.Second, "command timeout")

	pairingCmd.AddCommand(
		pairingListCmd,
		pairingDecisionCmd("approve", "approved", "Approve a pairing request", true),
		pairingDecisionCmd("reject", "rejected", "Reject a pairing request", false),
	)
	rootCmd.AddCommand(pairingCmd, nodesCmd, invokeCmd)
}
