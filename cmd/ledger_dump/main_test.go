package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/payment-forwarder/internal/models"
	"github.com/payment-forwarder/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRows(t *testing.T) {
	payoutID := uuid.MustParse("7f1c1c2e-3c1b-4d36-9c65-0b8f3f0c8a11")
	txID := "tx-1"
	rows := []*models.PaymentAddress{
		{
			DestinationAddress: "DEST1",
			PaymentAddress:     "A1",
			TargetBalance:      100000,
			PayableBalance:     60000,
			Status:             types.StatusCheckedOut,
		},
		{
			DestinationAddress: "DEST1",
			PaymentAddress:     "A2",
			TargetBalance:      150000,
			Status:             types.StatusCheckedOut,
			Forwarded:          true,
			ForwardedAmount:    150000,
			PaidOut:            true,
			PayoutID:           &payoutID,
			PayoutTxID:         &txID,
		},
	}

	var buf bytes.Buffer
	writeRows(&buf, rows)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(header, "\t"), lines[0])
	assert.Equal(t, "DEST1\tA1\t100000\t60000\tchecked_out\tfalse\t0\tfalse\t\t", lines[1])
	assert.Equal(t, "DEST1\tA2\t150000\t0\tchecked_out\ttrue\t150000\ttrue\t"+payoutID.String()+"\ttx-1", lines[2])
}

func TestWriteRowsEmpty(t *testing.T) {
	var buf bytes.Buffer
	writeRows(&buf, nil)
	assert.Equal(t, strings.Join(header, "\t")+"\n", buf.String())
}
