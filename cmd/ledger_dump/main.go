// Package main prints every row of the payment address ledger, tab separated
// with a header line, for operators inspecting settlement state.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/payment-forwarder/internal/config"
	"github.com/payment-forwarder/internal/models"
	"github.com/payment-forwarder/internal/storage"
)

var header = []string{
	"destinationAddress",
	"paymentAddress",
	"targetBalance",
	"payableBalance",
	"status",
	"forwarded",
	"forwardedAmount",
	"paidOut",
	"payoutId",
	"payoutTxId",
}

func main() {
	var (
		destination = flag.String("destination", "", "Only rows for this destination address")
		unpaid      = flag.Bool("unpaid", false, "Only forwarded rows that are not paid out yet")
		limit       = flag.Int("limit", 0, "Maximum rows to print (0 prints all)")
		stats       = flag.Bool("stats", false, "Print ledger totals instead of rows")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to Postgres: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	repo := storage.NewPaymentAddressRepository(db)

	if *stats {
		s, err := repo.Stats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read ledger stats: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("addresses\t%d\nunforwarded\t%d\nforwardedUnpaid\t%d\npaidOut\t%d\noutstandingPayable\t%d\nbanked\t%d\n",
			s.TotalAddresses, s.Unforwarded, s.ForwardedUnpaid, s.PaidOut, s.OutstandingPayable, s.BankedAmount)
		return
	}

	filter := storage.ListFilter{Destination: *destination, Limit: *limit}
	if *unpaid {
		forwarded, paid := true, false
		filter.Forwarded = &forwarded
		filter.PaidOut = &paid
	}

	rows, err := repo.List(ctx, filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list ledger: %v\n", err)
		os.Exit(1)
	}
	writeRows(os.Stdout, rows)
}

// writeRows prints amounts in satoshis so the output can be summed directly
func writeRows(w io.Writer, rows []*models.PaymentAddress) {
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, r := range rows {
		payoutID, txID := "", ""
		if r.PayoutID != nil {
			payoutID = r.PayoutID.String()
		}
		if r.PayoutTxID != nil {
			txID = *r.PayoutTxID
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%t\t%d\t%t\t%s\t%s\n",
			r.DestinationAddress,
			r.PaymentAddress,
			r.TargetBalance.Int64(),
			r.PayableBalance.Int64(),
			r.Status,
			r.Forwarded,
			r.ForwardedAmount.Int64(),
			r.PaidOut,
			payoutID,
			txID,
		)
	}
}
