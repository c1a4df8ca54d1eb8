package dcb_test

import (
	"context"
	"fmt"
	"time"

	"go-tidemark/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Append", func() {
	var ctx context.Context

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(suiteCtx, 30*time.Second)
		DeferCleanup(cancel)
		Expect(truncateAll(ctx, pool)).To(Succeed())
	})

	It("assigns unique, strictly increasing positions in insertion order", func() {
		for i := 0; i < 3; i++ {
			event := dcb.NewInputEvent("OrderPlaced",
				dcb.NewTags("order_id", fmt.Sprintf("o%d", i)),
				dcb.ToJSON(map[string]int{"seq": i}))
			Expect(store.Append(ctx, []dcb.InputEvent{event})).To(Succeed())
		}

		events, err := store.Query(ctx, dcb.NewQueryEmpty(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(3))

		seen := map[int64]bool{}
		for i, e := range events {
			Expect(seen[e.Position]).To(BeFalse(), "duplicate position %d", e.Position)
			seen[e.Position] = true
			if i > 0 {
				Expect(e.Position).To(BeNumerically(">", events[i-1].Position))
				Expect(e.TransactionID).To(BeNumerically(">=", events[i-1].TransactionID))
			}
		}
	})

	It("orders events from earlier transactions before later ones", func() {
		first := dcb.NewInputEvent("A", dcb.NewTags("k", "1"), dcb.ToJSON(map[string]string{}))
		second := dcb.NewInputEvent("B", dcb.NewTags("k", "2"), dcb.ToJSON(map[string]string{}))
		Expect(store.Append(ctx, []dcb.InputEvent{first})).To(Succeed())
		Expect(store.Append(ctx, []dcb.InputEvent{second})).To(Succeed())

		events, err := store.Query(ctx, dcb.NewQueryEmpty(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
		Expect(events[0].TransactionID).To(BeNumerically("<", events[1].TransactionID))
		Expect(events[0].Position).To(BeNumerically("<", events[1].Position))
	})

	It("appends a batch atomically within one transaction", func() {
		batch := dcb.NewEventBatch(
			dcb.NewInputEvent("DepositMade", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]int{"amount": 10})),
			dcb.NewInputEvent("DepositMade", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]int{"amount": 20})),
			dcb.NewInputEvent("DepositMade", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]int{"amount": 30})),
		)
		Expect(store.Append(ctx, batch)).To(Succeed())

		events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("wallet_id", "w1")), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(3))
		for _, e := range events {
			Expect(e.TransactionID).To(Equal(events[0].TransactionID),
				"one batch, one transaction id")
		}
		Expect(events[2].Position).To(Equal(events[0].Position + 2), "positions are contiguous")
	})

	It("treats an empty batch as a no-op", func() {
		Expect(store.Append(ctx, nil)).To(Succeed())

		txid, err := store.AppendIf(ctx, nil, dcb.NewAppendCondition(nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(txid).To(BeZero())

		events, err := store.Query(ctx, dcb.NewQueryEmpty(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())
	})

	It("rejects invalid events before touching the database", func() {
		noTags := dcb.NewInputEvent("E", nil, dcb.ToJSON(map[string]string{}))
		err := store.Append(ctx, []dcb.InputEvent{noTags})
		Expect(dcb.IsValidationError(err)).To(BeTrue())

		badJSON := dcb.NewInputEvent("E", dcb.NewTags("k", "v"), []byte(`{broken`))
		err = store.Append(ctx, []dcb.InputEvent{badJSON})
		Expect(dcb.IsValidationError(err)).To(BeTrue())

		events, qerr := store.Query(ctx, dcb.NewQueryEmpty(), nil)
		Expect(qerr).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())
	})

	It("stores tags in sorted canonical form and round-trips payloads", func() {
		payload := map[string]any{"amount": 42.5, "note": "first"}
		event := dcb.NewInputEvent("DepositMade",
			dcb.NewTags("wallet_id", "w1", "currency", "EUR"), dcb.ToJSON(payload))
		Expect(store.Append(ctx, []dcb.InputEvent{event})).To(Succeed())

		events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("currency", "EUR", "wallet_id", "w1")), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(dcb.TagsToArray(events[0].Tags)).To(Equal([]string{"currency=EUR", "wallet_id=w1"}))
		Expect(events[0].Data).To(MatchJSON(dcb.ToJSON(payload)))
		Expect(events[0].OccurredAt).To(BeTemporally("~", time.Now(), time.Minute))
	})

	It("returns the committing transaction id from AppendIf", func() {
		event := dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]int{"balance": 0}))
		txid, err := store.AppendIf(ctx, []dcb.InputEvent{event}, dcb.NewAppendCondition(nil))
		Expect(err).NotTo(HaveOccurred())
		Expect(txid).NotTo(BeZero())

		events, qerr := store.Query(ctx, dcb.NewQueryEmpty(), nil)
		Expect(qerr).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(events[0].TransactionID).To(Equal(txid))
	})
})
