package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	handler "github.com/newthinker/riskguard/internal/api/handler/api"
	"github.com/newthinker/riskguard/internal/app"
	"github.com/newthinker/riskguard/internal/config"
	"github.com/newthinker/riskguard/internal/ingest"
	"github.com/newthinker/riskguard/internal/risk"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Account operations",
	Long:  `Commands for inspecting and managing monitored accounts on a running server.`,
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List monitored accounts",
	Args:  cobra.NoArgs,
	RunE:  runAccountList,
}

var accountStatusCmd = &cobra.Command{
	Use:   "status <client-id>",
	Short: "Show an account's risk status",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountStatus,
}

var accountInjectCmd = &cobra.Command{
	Use:   "inject <client-id> <balance>",
	Short: "Submit a manual balance update",
	Args:  cobra.ExactArgs(2),
	RunE:  runAccountInject,
}

var accountCheckCmd = &cobra.Command{
	Use:   "check <client-id>",
	Short: "Force a risk check",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountCheck,
}

var accountLimitsCmd = &cobra.Command{
	Use:   "limits <client-id>",
	Short: "Update an account's risk limits",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountLimits,
}

var accountAddCmd = &cobra.Command{
	Use:   "add <client-id>",
	Short: "Register a client for monitoring",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountAdd,
}

var accountRemoveCmd = &cobra.Command{
	Use:   "remove <client-id>",
	Short: "Stop monitoring a client",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountRemove,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show monitoring statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var resetDailyCmd = &cobra.Command{
	Use:   "reset-daily",
	Short: "Run the daily reset now",
	Args:  cobra.NoArgs,
	RunE:  runResetDaily,
}

var (
	injectPrevious string
	dailyLimit     string
	maxLimit       string
	addBalance     string
	addExchange    string
	addKey         string
	addSecret      string
)

func init() {
	rootCmd.AddCommand(accountCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(resetDailyCmd)
	accountCmd.AddCommand(accountListCmd)
	accountCmd.AddCommand(accountStatusCmd)
	accountCmd.AddCommand(accountInjectCmd)
	accountCmd.AddCommand(accountCheckCmd)
	accountCmd.AddCommand(accountLimitsCmd)
	accountCmd.AddCommand(accountAddCmd)
	accountCmd.AddCommand(accountRemoveCmd)

	for _, c := range []*cobra.Command{accountCmd, statsCmd, resetDailyCmd} {
		addClientFlags(c)
	}

	accountInjectCmd.Flags().StringVar(&injectPrevious, "previous", "", "previous balance, for venues that report deltas")
	for _, c := range []*cobra.Command{accountLimitsCmd, accountAddCmd} {
		c.Flags().StringVar(&dailyLimit, "daily", "", "daily loss limit, e.g. 5% or 250")
		c.Flags().StringVar(&maxLimit, "max", "", "maximum loss limit, e.g. 10% or 1000")
	}
	accountAddCmd.Flags().StringVar(&addBalance, "balance", "", "initial balance (required)")
	accountAddCmd.Flags().StringVar(&addExchange, "exchange", "", "exchange name")
	accountAddCmd.Flags().StringVar(&addKey, "exchange-key", "", "exchange API key")
	accountAddCmd.Flags().StringVar(&addSecret, "exchange-secret", "", "exchange API secret")
	accountAddCmd.MarkFlagRequired("balance")
}

// parseLimitFlag reads "5%" as a percentage limit and "250" as an absolute one.
func parseLimitFlag(s string) (*config.LimitConfig, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	kind := string(risk.KindAbsolute)
	if v, ok := strings.CutSuffix(s, "%"); ok {
		kind, s = string(risk.KindPercentage), v
	}
	if _, err := decimal.NewFromString(s); err != nil {
		return nil, fmt.Errorf("invalid limit %q: %w", s, err)
	}
	return &config.LimitConfig{Type: kind, Value: s}, nil
}

func accountPath(id, suffix string) string {
	return "/api/v1/accounts/" + url.PathEscape(id) + suffix
}

func printStatus(s handler.RiskStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Client:\t%s\n", s.ClientID)
	fmt.Fprintf(w, "Status:\t%s\n", s.RiskStatus)
	fmt.Fprintf(w, "Balance:\t%s\n", s.CurrentBalance.StringFixed(2))
	fmt.Fprintf(w, "Initial:\t%s\n", s.InitialBalance.StringFixed(2))
	fmt.Fprintf(w, "Daily P&L:\t%s\n", s.DailyPnl.StringFixed(2))
	fmt.Fprintf(w, "Total P&L:\t%s\n", s.TotalPnl.StringFixed(2))
	fmt.Fprintf(w, "Daily limit:\t%s\n", s.DailyRiskLimit)
	fmt.Fprintf(w, "Max limit:\t%s\n", s.MaxRiskLimit)
	fmt.Fprintf(w, "Blocked:\t%t (daily=%t, permanent=%t)\n", s.IsBlocked, s.DailyBlocked, s.PermanentlyBlocked)
	if s.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", s.LastError)
	}
	fmt.Fprintf(w, "Updated:\t%s\n", s.LastUpdate.Format("2006-01-02 15:04:05"))
	w.Flush()
}

func printCheck(res *risk.CheckResult) {
	if res == nil {
		return
	}
	fmt.Printf("Status: %s (monitored=%t)\n", res.Status, res.Monitored)
	if res.Daily.Configured {
		fmt.Printf("  Daily: loss %s / %s (%s%%)\n",
			res.Daily.Loss.StringFixed(2), res.Daily.Threshold.StringFixed(2), res.Daily.Percentage.StringFixed(1))
	}
	if res.Max.Configured {
		fmt.Printf("  Max:   loss %s / %s (%s%%)\n",
			res.Max.Loss.StringFixed(2), res.Max.Threshold.StringFixed(2), res.Max.Percentage.StringFixed(1))
	}
	if res.Violation != "" {
		fmt.Printf("  Violation: %s (enforced=%t, suppressed=%t)\n", res.Violation, res.Enforced, res.Suppressed)
	}
}

func runAccountList(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}

	var out struct {
		Accounts []handler.RiskStatus `json:"accounts"`
	}
	if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/accounts", nil, &out); err != nil {
		return err
	}

	if len(out.Accounts) == 0 {
		fmt.Println("No accounts monitored.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CLIENT\tSTATUS\tBALANCE\tDAILY P&L\tTOTAL P&L\tBLOCKED\t")
	fmt.Fprintln(w, "------\t------\t-------\t---------\t---------\t-------\t")
	for _, a := range out.Accounts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t\n",
			a.ClientID, a.RiskStatus, a.CurrentBalance.StringFixed(2),
			a.DailyPnl.StringFixed(2), a.TotalPnl.StringFixed(2), a.IsBlocked)
	}
	return w.Flush()
}

func runAccountStatus(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var st handler.RiskStatus
	if err := c.do(cmd.Context(), http.MethodGet, accountPath(args[0], "/risk"), nil, &st); err != nil {
		return err
	}
	printStatus(st)
	return nil
}

func runAccountInject(cmd *cobra.Command, args []string) error {
	balance, err := decimal.NewFromString(args[1])
	if err != nil {
		return fmt.Errorf("invalid balance %q: %w", args[1], err)
	}
	req := handler.BalanceRequest{Balance: balance}
	if injectPrevious != "" {
		prev, err := decimal.NewFromString(injectPrevious)
		if err != nil {
			return fmt.Errorf("invalid previous balance %q: %w", injectPrevious, err)
		}
		req.PreviousBalance = &prev
	}

	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var out ingest.Result
	if err := c.do(cmd.Context(), http.MethodPost, accountPath(args[0], "/balance"), req, &out); err != nil {
		return err
	}
	if out.Suppressed {
		fmt.Println("Duplicate balance, update suppressed.")
		return nil
	}
	printCheck(out.Check)
	return nil
}

func runAccountCheck(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var res risk.CheckResult
	if err := c.do(cmd.Context(), http.MethodPost, accountPath(args[0], "/check"), nil, &res); err != nil {
		return err
	}
	printCheck(&res)
	return nil
}

func runAccountLimits(cmd *cobra.Command, args []string) error {
	var req handler.LimitsRequest
	var err error
	if req.DailyLimit, err = parseLimitFlag(dailyLimit); err != nil {
		return err
	}
	if req.MaxLimit, err = parseLimitFlag(maxLimit); err != nil {
		return err
	}
	if req.DailyLimit == nil && req.MaxLimit == nil {
		return fmt.Errorf("at least one of --daily or --max is required")
	}

	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var res risk.CheckResult
	if err := c.do(cmd.Context(), http.MethodPut, accountPath(args[0], "/limits"), req, &res); err != nil {
		return err
	}
	printCheck(&res)
	return nil
}

func runAccountAdd(cmd *cobra.Command, args []string) error {
	balance, err := decimal.NewFromString(addBalance)
	if err != nil {
		return fmt.Errorf("invalid balance %q: %w", addBalance, err)
	}
	req := handler.RegisterRequest{
		ClientID:       args[0],
		InitialBalance: balance,
		Exchange:       addExchange,
		APIKey:         addKey,
		APISecret:      addSecret,
	}
	if req.DailyLimit, err = parseLimitFlag(dailyLimit); err != nil {
		return err
	}
	if req.MaxLimit, err = parseLimitFlag(maxLimit); err != nil {
		return err
	}

	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var st handler.RiskStatus
	if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/accounts", req, &st); err != nil {
		return err
	}
	printStatus(st)
	return nil
}

func runAccountRemove(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	if err := c.do(cmd.Context(), http.MethodDelete, accountPath(args[0], ""), nil, nil); err != nil {
		return err
	}
	fmt.Printf("Client %s removed.\n", args[0])
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var s app.Stats
	if err := c.do(cmd.Context(), http.MethodGet, "/api/v1/stats", nil, &s); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Running:\t%t\n", s.Running)
	fmt.Fprintf(w, "Accounts:\t%d\n", s.TotalAccounts)
	fmt.Fprintf(w, "Blocked:\t%d (daily %d, permanent %d)\n",
		s.BlockedAccounts, s.DailyBlockedAccounts, s.PermanentlyBlockedAccount)
	fmt.Fprintf(w, "Streams:\t%d connected of %d\n", s.StreamsConnected, s.StreamConnections)
	fmt.Fprintf(w, "Pending enforcements:\t%d\n", s.PendingEnforcements)
	fmt.Fprintf(w, "Notifiers:\t%s\n", strings.Join(s.Notifiers, ", "))
	fmt.Fprintf(w, "Next daily reset:\t%s\n", s.NextDailyReset.Format("2006-01-02 15:04:05 MST"))
	return w.Flush()
}

func runResetDaily(cmd *cobra.Command, args []string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var out struct {
		Report risk.ResetReport `json:"report"`
		Error  string           `json:"error"`
	}
	if err := c.do(cmd.Context(), http.MethodPost, "/api/v1/reset-daily", nil, &out); err != nil {
		return err
	}
	fmt.Printf("Reset %d of %d accounts (%d permanently blocked, %d failed)\n",
		out.Report.Reset, out.Report.Total, out.Report.PermanentSkipped, out.Report.Failed)
	if out.Error != "" {
		return fmt.Errorf("reset completed with errors: %s", out.Error)
	}
	return nil
}
