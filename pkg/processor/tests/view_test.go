package processor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-tidemark/pkg/dcb"
	"go-tidemark/pkg/processor"
	"go-tidemark/pkg/view"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// walletLedger materializes one row per wallet with its current balance.
type walletLedger struct {
	failing atomic.Bool
}

func (v *walletLedger) Name() string { return "wallet_ledger" }

func (v *walletLedger) Subscription() view.Subscription {
	return view.Subscription{
		EventTypes: []string{"WalletOpened", "DepositMade"},
		Required:   []string{"wallet_id"},
	}
}

func (v *walletLedger) Init(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS view_wallet_ledger (
			wallet_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL,
			last_position BIGINT NOT NULL
		)`)
	return err
}

func (v *walletLedger) HandleBatch(ctx context.Context, tx pgx.Tx, events []dcb.Event) error {
	if v.failing.Load() {
		return errors.New("fold rejected")
	}
	for _, ev := range events {
		var walletID string
		for _, tag := range ev.Tags {
			if tag.GetKey() == "wallet_id" {
				walletID = tag.GetValue()
			}
		}
		var amount int64
		if ev.Type == "DepositMade" {
			var p struct {
				Amount int64 `json:"amount"`
			}
			if err := json.Unmarshal(ev.Data, &p); err != nil {
				return err
			}
			amount = p.Amount
		}
		// The position fence makes a redelivered batch a no-op.
		_, err := tx.Exec(ctx, `
			INSERT INTO view_wallet_ledger (wallet_id, balance, last_position)
			VALUES ($1, $2, $3)
			ON CONFLICT (wallet_id) DO UPDATE
			SET balance = view_wallet_ledger.balance + EXCLUDED.balance,
			    last_position = EXCLUDED.last_position
			WHERE view_wallet_ledger.last_position < EXCLUDED.last_position`,
			walletID, amount, ev.Position)
		if err != nil {
			return err
		}
	}
	return nil
}

var _ = Describe("View worker", func() {
	var ctx context.Context

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(suiteCtx, 60*time.Second)
		DeferCleanup(cancel)
		Expect(truncateAll(ctx, pool)).To(Succeed())
		_, err := pool.Exec(ctx, "DROP TABLE IF EXISTS view_wallet_ledger")
		Expect(err).NotTo(HaveOccurred())
	})

	startWorker := func(w *view.Worker) {
		GinkgoHelper()
		Expect(w.Start(ctx)).To(Succeed())
		DeferCleanup(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = w.Stop(stopCtx)
		})
	}

	ledgerBalance := func(walletID string) int64 {
		var balance int64
		err := pool.QueryRow(ctx,
			"SELECT balance FROM view_wallet_ledger WHERE wallet_id = $1", walletID).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return -1
		}
		Expect(err).NotTo(HaveOccurred())
		return balance
	}

	It("maintains exact per-type totals through the counts view", func() {
		counts := view.NewTypeCountsView("")
		w, err := view.NewWorker(pool, []view.View{counts}, view.Config{Processor: fastConfig()})
		Expect(err).NotTo(HaveOccurred())
		startWorker(w)

		batch := dcb.NewEventBatch(
			dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]int{"balance": 0})),
			dcb.NewInputEvent("DepositMade", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]int{"amount": 5})),
			dcb.NewInputEvent("DepositMade", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]int{"amount": 7})),
		)
		Expect(store.Append(ctx, batch)).To(Succeed())

		Eventually(func() map[string]int64 {
			c, err := counts.Counts(ctx, pool)
			Expect(err).NotTo(HaveOccurred())
			return c
		}, 15*time.Second, 25*time.Millisecond).Should(Equal(map[string]int64{
			"WalletOpened": 1,
			"DepositMade":  2,
		}))

		// Resetting the cursor replays the log; the position fence keeps the
		// totals exact instead of doubling them.
		Expect(w.Reset(ctx, counts.Name())).To(Succeed())
		Eventually(func() processor.StatusReport {
			report, err := w.Status(ctx, counts.Name())
			Expect(err).NotTo(HaveOccurred())
			return report
		}, 15*time.Second, 25*time.Millisecond).Should(Equal(processor.StatusReport{Status: processor.StatusActive, Lag: 0}))

		c, err := counts.Counts(ctx, pool)
		Expect(err).NotTo(HaveOccurred())
		Expect(c).To(Equal(map[string]int64{"WalletOpened": 1, "DepositMade": 2}))
	})

	It("folds only subscribed events into a custom view", func() {
		ledger := &walletLedger{}
		w, err := view.NewWorker(pool, []view.View{ledger}, view.Config{Processor: fastConfig()})
		Expect(err).NotTo(HaveOccurred())
		startWorker(w)

		batch := dcb.NewEventBatch(
			dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]int{"balance": 0})),
			dcb.NewInputEvent("DepositMade", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]int{"amount": 5})),
			dcb.NewInputEvent("DepositMade", dcb.NewTags("wallet_id", "w2"), dcb.ToJSON(map[string]int{"amount": 9})),
			dcb.NewInputEvent("WithdrawalMade", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]int{"amount": 3})),
		)
		Expect(store.Append(ctx, batch)).To(Succeed())

		Eventually(func() int64 { return ledgerBalance("w1") }, 15*time.Second, 25*time.Millisecond).Should(Equal(int64(5)))
		Expect(ledgerBalance("w2")).To(Equal(int64(9)))
	})

	It("marks a failing view FAILED while it backs off and recovers on success", func() {
		ledger := &walletLedger{}
		ledger.failing.Store(true)
		w, err := view.NewWorker(pool, []view.View{ledger}, view.Config{Processor: fastConfig()})
		Expect(err).NotTo(HaveOccurred())
		startWorker(w)

		event := dcb.NewInputEvent("DepositMade", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]int{"amount": 5}))
		Expect(store.Append(ctx, []dcb.InputEvent{event})).To(Succeed())

		Eventually(func() processor.Status {
			report, err := w.Status(ctx, ledger.Name())
			Expect(err).NotTo(HaveOccurred())
			return report.Status
		}, 15*time.Second, 25*time.Millisecond).Should(Equal(processor.StatusFailed))

		// No partial state leaked from the failed folds.
		Expect(ledgerBalance("w1")).To(Equal(int64(-1)))

		// Unlike a halting outbox pair, a backing-off view keeps retrying and
		// heals itself once the fold succeeds.
		ledger.failing.Store(false)
		Eventually(func() int64 { return ledgerBalance("w1") }, 15*time.Second, 25*time.Millisecond).Should(Equal(int64(5)))
		Eventually(func() processor.Status {
			report, err := w.Status(ctx, ledger.Name())
			Expect(err).NotTo(HaveOccurred())
			return report.Status
		}, 15*time.Second, 25*time.Millisecond).Should(Equal(processor.StatusActive))
	})

	It("runs several views independently", func() {
		counts := view.NewTypeCountsView("")
		ledger := &walletLedger{}
		w, err := view.NewWorker(pool, []view.View{counts, ledger}, view.Config{Processor: fastConfig()})
		Expect(err).NotTo(HaveOccurred())
		startWorker(w)

		for i := 0; i < 3; i++ {
			event := dcb.NewInputEvent("DepositMade",
				dcb.NewTags("wallet_id", fmt.Sprintf("w%d", i)), dcb.ToJSON(map[string]int{"amount": 1}))
			Expect(store.Append(ctx, []dcb.InputEvent{event})).To(Succeed())
		}

		Eventually(func() map[string]int64 {
			c, err := counts.Counts(ctx, pool)
			Expect(err).NotTo(HaveOccurred())
			return c
		}, 15*time.Second, 25*time.Millisecond).Should(Equal(map[string]int64{"DepositMade": 3}))
		Eventually(func() int64 { return ledgerBalance("w2") }, 15*time.Second, 25*time.Millisecond).Should(Equal(int64(1)))

		reports, err := w.StatusAll(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(reports).To(HaveKey(counts.Name()))
		Expect(reports).To(HaveKey(ledger.Name()))
	})

	It("rejects duplicate and invalid view sets", func() {
		counts := view.NewTypeCountsView("")
		_, err := view.NewWorker(pool, nil, view.Config{})
		Expect(err).To(HaveOccurred())
		_, err = view.NewWorker(pool, []view.View{counts, view.NewTypeCountsView("other_table")}, view.Config{})
		Expect(err).To(HaveOccurred(), "two views with the same name")
	})
})
