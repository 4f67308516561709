package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"faktura/internal/core/id"
)

// orgFlag registers --org and returns a parser for its value.
func orgFlag(fs *flag.FlagSet) func() (id.ID, error) {
	raw := fs.String("org", "", "organization id (uuid)")
	return func() (id.ID, error) {
		if *raw == "" {
			return id.ID{}, usagef("--org is required")
		}
		orgID, err := id.Parse(*raw)
		if err != nil {
			return id.ID{}, usagef("invalid --org %q: %v", *raw, err)
		}
		return orgID, nil
	}
}

func migrateCmd(fs *flag.FlagSet) action {
	down := fs.Bool("down", false, "roll back all migrations")
	return func(ctx context.Context, a *app) error {
		if err := a.migrate(ctx, *down); err != nil {
			return err
		}
		fmt.Println("migrations applied")
		return nil
	}
}

func nextCmd(fs *flag.FlagSet) action {
	org := orgFlag(fs)
	requestKey := fs.String("request-key", "", "repeat-safe request key; reusing it returns the same number")
	return func(ctx context.Context, a *app) error {
		orgID, err := org()
		if err != nil {
			return err
		}
		if *requestKey == "" {
			number, err := a.svc.Next(ctx, orgID)
			if err != nil {
				return err
			}
			fmt.Println(number)
			return nil
		}

		number, replayed, err := a.svc.NextWithKey(ctx, orgID, *requestKey)
		if err != nil {
			return err
		}
		if replayed {
			fmt.Fprintf(os.Stderr, "request key %q already used, returning its number\n", *requestKey)
		}
		fmt.Println(number)
		return nil
	}
}

func peekCmd(fs *flag.FlagSet) action {
	org := orgFlag(fs)
	year := fs.Int("year", 0, "invoice year (default: current year)")
	return func(ctx context.Context, a *app) error {
		orgID, err := org()
		if err != nil {
			return err
		}
		number, err := a.svc.Peek(ctx, orgID, *year)
		if err != nil {
			return err
		}
		fmt.Println(number)
		return nil
	}
}

func seedCmd(fs *flag.FlagSet) action {
	org := orgFlag(fs)
	year := fs.Int("year", 0, "invoice year, must be the current one (default current year)")
	value := fs.Int64("value", 0, "last number issued by the previous system (required)")
	return func(ctx context.Context, a *app) error {
		orgID, err := org()
		if err != nil {
			return err
		}
		if *value == 0 {
			return usagef("--value is required")
		}
		c, err := a.svc.Seed(ctx, orgID, *year, *value)
		if err != nil {
			return err
		}
		fmt.Printf("%s/%d last issued %d, next %s\n", c.OrganizationID, c.Year, c.LastIssued, a.nextNumber(ctx, orgID, c.Year))
		return nil
	}
}

// nextNumber is best effort: seeding already succeeded when it runs.
func (a *app) nextNumber(ctx context.Context, orgID id.ID, year int) string {
	number, err := a.svc.Peek(ctx, orgID, year)
	if err != nil {
		return "?"
	}
	return number
}

func historyCmd(fs *flag.FlagSet) action {
	org := orgFlag(fs)
	return func(ctx context.Context, a *app) error {
		orgID, err := org()
		if err != nil {
			return err
		}
		counters, err := a.svc.History(ctx, orgID)
		if err != nil {
			return err
		}
		if len(counters) == 0 {
			fmt.Println("no invoices issued")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "YEAR\tPREFIX\tLAST ISSUED\tLAST NUMBER\tUPDATED")
		for _, c := range counters {
			last := "-"
			if c.LastIssued > 0 {
				last = c.Number()
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", c.Year, c.Prefix, c.LastIssued, last, c.UpdatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	}
}

func setPrefixCmd(fs *flag.FlagSet) action {
	org := orgFlag(fs)
	prefix := fs.String("prefix", "", "numbering prefix, letters only")
	return func(ctx context.Context, a *app) error {
		orgID, err := org()
		if err != nil {
			return err
		}
		if err := a.orgs.SetPrefix(ctx, orgID, *prefix); err != nil {
			return err
		}
		fmt.Printf("prefix of %s set to %q; counters created from now on use it\n", orgID, *prefix)
		return nil
	}
}

func pruneReceiptsCmd(fs *flag.FlagSet) action {
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "remove request keys older than this")
	return func(ctx context.Context, a *app) error {
		n, err := a.svc.PruneReceipts(ctx, *olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d request keys\n", n)
		return nil
	}
}
