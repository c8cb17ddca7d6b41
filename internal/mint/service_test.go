package mint

import (
	"context"
	"errors"
	"testing"
	"time"

	"ticketmint/internal/chain"
	"ticketmint/internal/history"
	"ticketmint/internal/monitor"
	"ticketmint/internal/queue"
	"ticketmint/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestServiceDeduplicatesLiveJobs(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.queue.Pause()
	h.start()
	ctx := context.Background()

	req := MintRequest{TicketID: "T1", OwnerID: "U1", OwnerAddress: owner, EventID: "E1"}
	first, err := h.svc.EnqueueMint(ctx, req, nil)
	require.NoError(t, err)
	second, err := h.svc.EnqueueMint(ctx, req, nil)
	require.NoError(t, err)

	assert.False(t, first.Existing)
	assert.True(t, second.Existing)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), h.monitor.State().PendingCount)
}

func TestServiceRemoveRecordsCancellation(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.signer.EXPECT().Sign(gomock.Any(), gomock.Any()).Times(0)
	h.queue.Pause()
	h.start()
	ctx := context.Background()

	handle, err := h.svc.EnqueueMint(ctx, MintRequest{TicketID: "T1", OwnerAddress: owner, EventID: "E1", TenantID: "acme"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), h.monitor.State().PendingCount)

	require.NoError(t, h.svc.Remove(ctx, handle.ID))

	_, err = h.wait(handle)
	assert.ErrorIs(t, err, queue.ErrJobRemoved)
	assert.Zero(t, h.monitor.State().PendingCount)

	entry, ok := h.history.GetByJobID(handle.ID)
	require.True(t, ok)
	assert.Equal(t, history.OutcomeCancelled, entry.Outcome)
	assert.Equal(t, "acme", entry.TenantID)

	_, err = h.svc.Status(handle.ID)
	assert.ErrorIs(t, err, queue.ErrJobNotFound)
}

// delayedMint enqueues a mint for T1 whose first attempt fails with a
// retryable error, and waits until the queue has parked it for an hour.
func (h *harness) delayedMint() *queue.Handle {
	h.t.Helper()
	handle, err := h.svc.EnqueueMint(context.Background(),
		MintRequest{TicketID: "T1", OwnerID: "U1", OwnerAddress: owner, EventID: "E1"},
		&queue.Options{MaxAttempts: 3, Backoff: time.Hour})
	require.NoError(h.t, err)
	require.Eventually(h.t, func() bool {
		st, err := h.svc.Status(handle.ID)
		return err == nil && st.State == queue.StateDelayed
	}, 5*time.Second, 5*time.Millisecond)
	return handle
}

func TestServiceRemoveReleasesTicketOfDelayedMint(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.expectSigns(1)
	h.backend.SendErrs = []error{errors.New("503 service unavailable")}
	h.start()

	handle := h.delayedMint()
	require.Equal(t, store.TicketReserved, h.ticket("T1").Status)

	require.NoError(t, h.svc.Remove(context.Background(), handle.ID))

	tk := h.ticket("T1")
	assert.Equal(t, store.TicketAvailable, tk.Status)
	assert.Empty(t, tk.ReservedBy)
	txs := h.txs("T1")
	require.Len(t, txs, 1)
	assert.Equal(t, store.TxFailed, txs[0].Status)
	assert.Equal(t, "job cancelled", txs[0].Error)
	assert.Empty(t, h.monitor.Alerts())

	// the ticket can be minted again straight away
	h.expectSigns(1)
	_, res, err := h.mint("T1")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestServiceRemoveHoldsTicketWithBroadcastTransaction(t *testing.T) {
	h := newHarness(t, 3, func(c *Config) { c.ConfirmationTimeout = 30 * time.Millisecond })
	h.expectSigns(1)
	h.backend.DropAfterSend = true
	h.start()

	handle := h.delayedMint()
	require.NoError(t, h.svc.Remove(context.Background(), handle.ID))

	assert.Equal(t, store.TicketReserved, h.ticket("T1").Status)
	txs := h.txs("T1")
	require.Len(t, txs, 1)
	assert.Equal(t, store.TxSubmitted, txs[0].Status)

	alerts := h.monitor.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, monitor.AlertUnconfirmedBroadcast, alerts[0].Type)
	assert.Equal(t, txs[0].TxHash, alerts[0].Details["txHash"])
}

func TestServiceRemoveOfFinishedJobIsNotACancellation(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.expectSigns(1)
	h.start()

	done, _, err := h.mint("T1")
	require.NoError(t, err)

	h.queue.Pause()
	h.store.PutTicket(store.Ticket{ID: "T2", EventID: "E1"})
	_, err = h.svc.EnqueueMint(context.Background(), MintRequest{TicketID: "T2", OwnerAddress: owner, EventID: "E1"}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), h.monitor.State().PendingCount)

	require.NoError(t, h.svc.Remove(context.Background(), done.ID))

	assert.Equal(t, int64(1), h.monitor.State().PendingCount)
	entries := h.history.GetHistory("T1")
	require.Len(t, entries, 1)
	assert.Equal(t, history.OutcomeSuccess, entries[0].Outcome)
	assert.Equal(t, store.TicketSold, h.ticket("T1").Status)
}

func TestServiceRetryRunsFailedJobAgain(t *testing.T) {
	h := newHarness(t, 1, nil)
	h.expectSigns(1)
	h.backend.CallErr = &chain.RevertError{Reason: "paused"}
	h.start()

	handle, _, err := h.mint("T1")
	require.Error(t, err)
	assert.Zero(t, h.monitor.State().PendingCount)

	h.backend.CallErr = nil
	require.NoError(t, h.svc.Retry(context.Background(), handle.ID))
	assert.Equal(t, int64(1), h.monitor.State().PendingCount)

	res, err := h.wait(handle)
	require.NoError(t, err)
	assert.True(t, res.Success)

	entries := h.history.GetHistory("T1")
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), h.monitor.State().TotalFailed)
	assert.Equal(t, int64(1), h.monitor.State().TotalSuccessful)
}

func TestServiceRetryRejectsLiveJob(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.queue.Pause()
	h.start()

	handle, err := h.svc.EnqueueMint(context.Background(), MintRequest{TicketID: "T1", OwnerAddress: owner, EventID: "E1"}, nil)
	require.NoError(t, err)

	err = h.svc.Retry(context.Background(), handle.ID)
	assert.ErrorIs(t, err, queue.ErrNotFailed)
	assert.Contains(t, err.Error(), string(queue.StateWaiting))
}

func TestServiceAppliesDefaultTenant(t *testing.T) {
	h := newHarness(t, 3, nil)
	h.queue.Pause()
	h.start()

	handle, err := h.svc.EnqueueBurn(context.Background(), queue.BurnPayload{TicketID: "T1"}, nil)
	require.NoError(t, err)
	p, err := h.queue.Payload(handle.ID)
	require.NoError(t, err)
	assert.Equal(t, "default", p.Tenant())
	// burns do not count towards the mint backlog
	assert.Zero(t, h.monitor.State().PendingCount)
}
