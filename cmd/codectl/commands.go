package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"capinha/internal/domain"
	"capinha/internal/domain/model"
	pg "capinha/internal/infra/db/postgres"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			if err := pg.Migrate(cmd.Context(), e.pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Println("schema up to date")
			return nil
		},
	}
}

func issueCmd() *cobra.Command {
	var (
		quantity int
		plan     string
		amount   string
		method   string
		customer model.Customer
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a batch of activation codes",
		Long: `Issue a batch of activation codes for a plan.

Without customer details the codes are pre-provisioned as available. With --name
and --email or --phone they are issued directly as sold to that customer.

Examples:
  codectl issue --plan basic --quantity 500
  codectl issue --plan premium --quantity 1 --name "Ana Souza" --email ana@example.com --method cash`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := model.BatchRequest{Quantity: quantity, Plan: plan, PaymentMethod: method}
			if customer != (model.Customer{}) {
				c := customer
				req.Customer = &c
			}
			if amount != "" {
				d, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("invalid --amount %q", amount)
				}
				req.Amount = &d
			}

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			codes, err := e.codes.IssueBatch(cmd.Context(), req)
			if err != nil {
				return userError(err)
			}
			if asJSON {
				return json.NewEncoder(os.Stdout).Encode(codes)
			}
			for _, c := range codes {
				fmt.Println(c.Code)
			}
			fmt.Fprintf(os.Stderr, "issued %d %s code(s)\n", len(codes), codes[0].Status)
			return nil
		},
	}
	cmd.Flags().IntVarP(&quantity, "quantity", "n", 1, "number of codes")
	cmd.Flags().StringVarP(&plan, "plan", "p", "", "plan name")
	cmd.Flags().StringVar(&amount, "amount", "", "override the plan price")
	cmd.Flags().StringVar(&method, "method", "", "payment method of a manual sale")
	cmd.Flags().StringVar(&customer.Name, "name", "", "customer name")
	cmd.Flags().StringVar(&customer.Email, "email", "", "customer email")
	cmd.Flags().StringVar(&customer.Phone, "phone", "", "customer phone")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func sellCmd() *cobra.Command {
	var (
		sale   model.SaleDetails
		amount string
	)
	cmd := &cobra.Command{
		Use:   "sell [code]",
		Short: "Record the manual sale of an available code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if amount != "" {
				d, err := decimal.NewFromString(amount)
				if err != nil {
					return fmt.Errorf("invalid --amount %q", amount)
				}
				sale.Amount = &d
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			c, err := e.codes.MarkSold(cmd.Context(), args[0], sale)
			if err != nil {
				return userError(err)
			}
			fmt.Printf("%s sold to %s\n", c.Code, c.Customer.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&sale.Customer.Name, "name", "", "customer name")
	cmd.Flags().StringVar(&sale.Customer.Email, "email", "", "customer email")
	cmd.Flags().StringVar(&sale.Customer.Phone, "phone", "", "customer phone")
	cmd.Flags().StringVar(&sale.PaymentMethod, "method", "", "payment method")
	cmd.Flags().StringVar(&amount, "amount", "", "amount paid")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire [code...]",
		Short: "Retire codes that were not redeemed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			failed := 0
			for _, code := range args {
				c, err := e.codes.Expire(cmd.Context(), code)
				if err != nil {
					failed++
					fmt.Fprintf(os.Stderr, "%s: %s\n", code, domain.UserMessage(err))
					continue
				}
				fmt.Printf("%s expired\n", c.Code)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d code(s) not expired", failed, len(args))
			}
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Issue missing codes for paid payments and list activated codes without a card",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()
			if limit <= 0 {
				limit = e.cfg.Current().Reconcile.Batch
			}
			report, err := e.provisioning.Reconcile(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Printf("repaired=%d failed=%d orphans=%d\n", report.Repaired, report.Failed, len(report.Orphans))
			for _, code := range report.Orphans {
				fmt.Printf("orphan %s\n", code)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum rows per pass (default reconcile.batch)")
	return cmd
}

// userError keeps the message operators can act on and hides driver detail.
func userError(err error) error {
	if domain.IsUserError(err) {
		return fmt.Errorf("%s: %s", domain.KindName(err), domain.UserMessage(err))
	}
	return err
}
