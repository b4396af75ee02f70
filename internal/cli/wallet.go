package cli

import (
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rg-fling/rgfling/internal/client"
	"github.com/rg-fling/rgfling/internal/domain"
)

// ─── Wallet Commands ────────────────────────────────────────────────────────
// Thin wrappers over the HTTP client. The server decides every outcome.

func init() {
	rootCmd.AddCommand(accountCmd, balanceCmd, historyCmd, sendCmd, spinCmd)
	accountCmd.AddCommand(accountOpenCmd, accountShowCmd)

	accountOpenCmd.Flags().String("tz", "", "IANA timezone for the daily reward day (e.g. Africa/Lagos)")
	historyCmd.Flags().Int("limit", 20, "Entries per page")
	historyCmd.Flags().String("order", "", "asc or desc (default desc, asc with --since)")
	historyCmd.Flags().Int64("since", 0, "Only entries after this entry id")
	sendCmd.Flags().StringP("message", "m", "", "Description shown to both parties")
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Open and inspect accounts",
}

// ─── account open ───────────────────────────────────────────────────────────

var accountOpenCmd = &cobra.Command{
	Use:   "open HANDLE",
	Short: "Open a new account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountOpen,
}

func runAccountOpen(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	tz, _ := cmd.Flags().GetString("tz")
	a, err := c.OpenAccount(cmd.Context(), args[0], tz)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Opened %s\n", a.Handle)
	fmt.Fprintf(out, "  id:      %s\n", a.ID)
	if a.Balance != nil {
		fmt.Fprintf(out, "  balance: %d RGX\n", *a.Balance)
	}
	return nil
}

// ─── account show ───────────────────────────────────────────────────────────

var accountShowCmd = &cobra.Command{
	Use:   "show ID|@HANDLE",
	Short: "Show an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountShow,
}

func runAccountShow(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	a, err := c.GetAccount(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s)\n", a.Handle, a.ID)
	if a.Timezone != "" {
		fmt.Fprintf(out, "  timezone: %s\n", a.Timezone)
	}
	if a.Balance != nil {
		fmt.Fprintf(out, "  balance:  %d RGX\n", *a.Balance)
	}
	if a.Disabled {
		fmt.Fprintln(out, "  status:   disabled")
	}
	return nil
}

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance ACCOUNT_ID",
	Short: "Print the account balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runBalance,
}

func runBalance(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	bal, err := c.Balance(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d RGX\n", bal)
	return nil
}

// ─── history ────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history ACCOUNT_ID",
	Short: "List ledger entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	order, _ := cmd.Flags().GetString("order")
	since, _ := cmd.Flags().GetInt64("since")

	txs, err := c.Transactions(cmd.Context(), args[0], client.HistoryQuery{
		Since: since,
		Limit: limit,
		Order: domain.Order(order),
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(txs) == 0 {
		fmt.Fprintln(out, "No transactions.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWHEN\tAMOUNT\tREASON\tDESCRIPTION")
	for _, tx := range txs {
		sign := "+"
		if tx.Type == string(domain.KindDebit) {
			sign = "-"
		}
		when := tx.Timestamp
		if ts, err := time.Parse(time.RFC3339Nano, tx.Timestamp); err == nil {
			when = ts.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s%d\t%s\t%s\n", tx.ID, when, sign, tx.Amount, tx.Reason, tx.Description)
	}
	return tw.Flush()
}

// ─── send ───────────────────────────────────────────────────────────────────

var sendCmd = &cobra.Command{
	Use:   "send FROM_ID TO_ID AMOUNT",
	Short: "Transfer coins to another account",
	Args:  cobra.ExactArgs(3),
	RunE:  runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("amount %q: must be a whole number of coins", args[2])
	}
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	msg, _ := cmd.Flags().GetString("message")

	w := client.NewWallet(c, args[0])
	op, err := w.Send(cmd.Context(), args[1], amount, msg)
	if err != nil && op.State == client.OpPending {
		// Outcome unknown; replaying the same key settles it either way.
		w.Reconcile(cmd.Context())
		op, err = w.Ops()[0], nil
		if op.State != client.OpConfirmed {
			err = op.Err
		}
	}
	if err != nil {
		return fmt.Errorf("transfer %s: %w", op.State, err)
	}
	bal, _ := w.Confirmed()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sent %d RGX (transfer %s)\n", amount, op.TransferID)
	fmt.Fprintf(out, "Balance: %d RGX\n", bal)
	return nil
}

// ─── spin ───────────────────────────────────────────────────────────────────

var spinCmd = &cobra.Command{
	Use:   "spin ACCOUNT_ID",
	Short: "Claim today's daily reward",
	Args:  cobra.ExactArgs(1),
	RunE:  runSpin,
}

func runSpin(cmd *cobra.Command, args []string) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	w := client.NewWallet(c, args[0])
	amount, err := w.Spin(cmd.Context())
	if err != nil {
		return err
	}
	bal, _ := w.Confirmed()
	fmt.Fprintf(cmd.OutOrStdout(), "You won %d RGX. Balance: %d RGX\n", amount, bal)
	return nil
}
