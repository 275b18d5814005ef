package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crm-phone-scraper/internal/store"
)

func newReportCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Write the Excel report from the stored accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := c.app.WriteReport(cmd.Context())
			if err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			c.log().Info("report written", zap.String("path", path))
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print account counts per status and the number of phones",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.printStats(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func (c *cli) printStats(ctx context.Context, w io.Writer) error {
	repo := c.app.GetRepository()
	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count accounts: %w", err)
	}
	phones, err := repo.TotalPhones(ctx)
	if err != nil {
		return fmt.Errorf("count phones: %w", err)
	}
	total := 0
	for _, s := range store.Statuses {
		fmt.Fprintf(w, "%-12s %d\n", s, counts[s])
		total += counts[s]
	}
	fmt.Fprintf(w, "%-12s %d\n", "accounts", total)
	fmt.Fprintf(w, "%-12s %d\n", "phones", phones)
	return nil
}

func newClearCmd(c *cli) *cobra.Command {
	var (
		kind string
		yes  bool
	)
	kinds := make([]string, 0, len(store.ClearKinds))
	for _, k := range store.ClearKinds {
		kinds = append(kinds, string(k))
	}
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Run a bulk maintenance operation on the store",
		Long: "Run a bulk maintenance operation on the store. Supported kinds: " +
			strings.Join(kinds, ", ") + ".",
		RunE: func(cmd *cobra.Command, _ []string) error {
			k, err := store.ParseClearKind(kind)
			if err != nil {
				return err
			}
			if !yes {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(),
					fmt.Sprintf("Confirm clearing %q? (yes/no): ", k))
				if err != nil {
					return err
				}
				if !ok {
					c.log().Info("clear canceled")
					fmt.Fprintln(cmd.OutOrStdout(), "canceled")
					return nil
				}
			}
			n, err := c.app.GetRepository().Clear(cmd.Context(), k)
			if err != nil {
				return fmt.Errorf("clear %s: %w", k, err)
			}
			c.log().Info("store cleared", zap.String("kind", string(k)), zap.Int64("accounts", n))
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s: %d accounts affected\n", k, n)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "clear", "", "what to clear: "+strings.Join(kinds, "|"))
	cmd.Flags().BoolVar(&yes, "yes", false, "skip the confirmation prompt")
	_ = cmd.MarkFlagRequired("clear")
	return cmd
}

var confirmAnswers = []string{"yes", "y", "да"}

// confirm prints prompt and reads one line. Only yes, y and да (any case)
// confirm; anything else, including EOF, declines.
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return slices.Contains(confirmAnswers, answer), nil
}
