package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/toolink/admit/admission"
	"github.com/toolink/admit/config"
	"github.com/toolink/admit/limiter"
)

var (
	requestTimeout time.Duration
	clientID       string

	dlqCount int64

	resetBy    string
	resetValue string
)

// withAdminApp runs fn against an app assembled from c under its own instance
// id, so that its invalidations reach a daemon sharing the configuration.
func withAdminApp(ctx context.Context, c *config.Config, fn func(ctx context.Context, a *app) error) (err error) {
	admin := *c
	admin.InstanceID = "admin-" + uuid.NewString()
	admin.Admission.InstanceID = admin.InstanceID

	a, err := newApp(&admin)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); err == nil {
			err = cerr
		}
	}()
	if err := a.ping(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return fn(ctx, a)
}

func adminRunE(fn func(ctx context.Context, a *app, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withAdminApp(cmd.Context(), cfg, func(ctx context.Context, a *app) error {
			return fn(ctx, a, cmd.OutOrStdout(), args)
		})
	}
}

type responseView struct {
	Status     admission.Status `json:"status"`
	Found      bool             `json:"found"`
	Version    uint64           `json:"version"`
	Value      string           `json:"value,omitempty"`
	Limit      int64            `json:"limit,omitempty"`
	Remaining  *int64           `json:"remaining,omitempty"`
	RetryAfter string           `json:"retry_after,omitempty"`
	Error      string           `json:"error,omitempty"`
}

func printResponse(out io.Writer, resp admission.Response) error {
	v := responseView{
		Status:  resp.Status,
		Found:   resp.Found,
		Version: resp.Version,
		Value:   string(resp.Value),
	}
	if resp.Limit > 0 {
		v.Limit = resp.Limit
		v.Remaining = &resp.Remaining
	}
	if resp.RetryAfter > 0 {
		v.RetryAfter = resp.RetryAfter.String()
	}
	if resp.Err != nil {
		v.Error = resp.Err.Error()
	}
	if err := printJSON(out, v); err != nil {
		return err
	}
	if resp.Status != admission.StatusOK {
		return fmt.Errorf("%s: %w", resp.Status, resp.Err)
	}
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func handleOp(op admission.Op) func(ctx context.Context, a *app, out io.Writer, args []string) error {
	return func(ctx context.Context, a *app, out io.Writer, args []string) error {
		req := admission.Request{Key: args[0], Op: op, Client: clientID}
		if op == admission.OpWrite {
			req.Payload = []byte(args[1])
		}
		return printResponse(out, a.coord.Handle(ctx, req))
	}
}

var getCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Read a key through the rate limiter and every cache tier",
	Args:  cobra.ExactArgs(1),
	RunE:  adminRunE(handleOp(admission.OpRead)),
}

var putCmd = &cobra.Command{
	Use:   "put KEY VALUE",
	Short: "Write a key to the data source and the shared cache",
	Args:  cobra.ExactArgs(2),
	RunE:  adminRunE(handleOp(admission.OpWrite)),
}

var deleteCmd = &cobra.Command{
	Use:   "delete KEY",
	Short: "Remove a key from the data source and every cache tier",
	Args:  cobra.ExactArgs(1),
	RunE:  adminRunE(handleOp(admission.OpDelete)),
}

var evictCmd = &cobra.Command{
	Use:   "evict KEY",
	Short: "Drop a key from every cache tier, leaving the data source untouched",
	Args:  cobra.ExactArgs(1),
	RunE: adminRunE(func(ctx context.Context, a *app, out io.Writer, args []string) error {
		version, err := a.coord.Evict(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(out, map[string]any{"key": args[0], "version": version})
	}),
}

var resetLimitCmd = &cobra.Command{
	Use:   "reset-limit RULE_PATH",
	Short: "Refill a token bucket on every instance",
	Long: `reset-limit refills the bucket of one identity under a rule, for example

	admitd reset-limit /api/courses --by client_id --value mobile-app`,
	Args: cobra.ExactArgs(1),
	RunE: adminRunE(func(ctx context.Context, a *app, out io.Writer, args []string) error {
		key := limiter.StoreKey(args[0], resetBy, resetValue)
		if err := a.coord.ResetLimit(ctx, key); err != nil {
			return err
		}
		return printJSON(out, map[string]any{"bucket": key})
	}),
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect invalidation events that could not be applied",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered events, newest first",
	Args:  cobra.NoArgs,
	RunE: adminRunE(func(ctx context.Context, a *app, out io.Writer, _ []string) error {
		msgs, err := a.dlq.List(ctx, dlqCount)
		if err != nil {
			return err
		}
		return printJSON(out, msgs)
	}),
}

var dlqLenCmd = &cobra.Command{
	Use:   "len",
	Short: "Print the number of dead-lettered events",
	Args:  cobra.NoArgs,
	RunE: adminRunE(func(ctx context.Context, a *app, out io.Writer, _ []string) error {
		n, err := a.dlq.Len(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, n)
		return err
	}),
}

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List the live daemons registered in Redis",
	Args:  cobra.NoArgs,
	RunE: adminRunE(func(ctx context.Context, a *app, out io.Writer, _ []string) error {
		if a.members == nil {
			return errors.New("instances: membership requires a redis backend")
		}
		list, err := a.members.List(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, list)
	}),
}

func init() {
	for _, cmd := range []*cobra.Command{getCmd, putCmd, deleteCmd} {
		cmd.Flags().StringVar(&clientID, "client", "", "rate limit identity of the caller")
	}
	resetLimitCmd.Flags().StringVar(&resetBy, "by", limiter.LimitByClientID, "limit dimension of the bucket")
	resetLimitCmd.Flags().StringVar(&resetValue, "value", "", "identity the bucket belongs to")
	_ = resetLimitCmd.MarkFlagRequired("value")
	dlqListCmd.Flags().Int64VarP(&dlqCount, "count", "n", 10, "number of events to list")

	rootCmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 10*time.Second, "timeout of an administrative request")

	dlqCmd.AddCommand(dlqListCmd, dlqLenCmd)
	rootCmd.AddCommand(getCmd, putCmd, deleteCmd, evictCmd, resetLimitCmd, dlqCmd, instancesCmd)
}
