package dcb_test

import (
	"context"
	"errors"
	"time"

	"go-tidemark/pkg/dcb"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("InTransaction", func() {
	var ctx context.Context

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(suiteCtx, 30*time.Second)
		DeferCleanup(cancel)
		Expect(truncateAll(ctx, pool)).To(Succeed())
	})

	It("commits everything the callback appends", func() {
		err := store.InTransaction(ctx, func(ctx context.Context, tx dcb.EventStore) error {
			first := dcb.NewInputEvent("OrderPlaced", dcb.NewTags("order_id", "o1"), dcb.ToJSON(map[string]int{"total": 5}))
			if err := tx.Append(ctx, []dcb.InputEvent{first}); err != nil {
				return err
			}
			second := dcb.NewInputEvent("OrderShipped", dcb.NewTags("order_id", "o1"), dcb.ToJSON(map[string]bool{"ok": true}))
			return tx.Append(ctx, []dcb.InputEvent{second})
		})
		Expect(err).NotTo(HaveOccurred())

		events, err := store.Query(ctx, dcb.NewQuery(dcb.NewTags("order_id", "o1")), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(2))
	})

	It("rolls back everything when the callback fails", func() {
		boom := errors.New("boom")
		err := store.InTransaction(ctx, func(ctx context.Context, tx dcb.EventStore) error {
			event := dcb.NewInputEvent("OrderPlaced", dcb.NewTags("order_id", "o2"), dcb.ToJSON(map[string]int{"total": 5}))
			if err := tx.Append(ctx, []dcb.InputEvent{event}); err != nil {
				return err
			}
			return boom
		})
		Expect(errors.Is(err, boom)).To(BeTrue())

		events, qerr := store.Query(ctx, dcb.NewQuery(dcb.NewTags("order_id", "o2")), nil)
		Expect(qerr).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())
	})

	It("reads its own uncommitted writes", func() {
		err := store.InTransaction(ctx, func(ctx context.Context, tx dcb.EventStore) error {
			event := dcb.NewInputEvent("OrderPlaced", dcb.NewTags("order_id", "o3"), dcb.ToJSON(map[string]int{"total": 5}))
			if err := tx.Append(ctx, []dcb.InputEvent{event}); err != nil {
				return err
			}
			inside, err := tx.Query(ctx, dcb.NewQuery(dcb.NewTags("order_id", "o3")), nil)
			if err != nil {
				return err
			}
			Expect(inside).To(HaveLen(1))
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
	})

	It("flattens nested calls into the outer transaction", func() {
		boom := errors.New("inner failure")
		err := store.InTransaction(ctx, func(ctx context.Context, tx dcb.EventStore) error {
			event := dcb.NewInputEvent("OrderPlaced", dcb.NewTags("order_id", "o4"), dcb.ToJSON(map[string]int{"total": 5}))
			if err := tx.Append(ctx, []dcb.InputEvent{event}); err != nil {
				return err
			}
			return tx.InTransaction(ctx, func(ctx context.Context, inner dcb.EventStore) error {
				nested := dcb.NewInputEvent("OrderShipped", dcb.NewTags("order_id", "o4"), dcb.ToJSON(map[string]bool{"ok": true}))
				if err := inner.Append(ctx, []dcb.InputEvent{nested}); err != nil {
					return err
				}
				return boom
			})
		})
		Expect(errors.Is(err, boom)).To(BeTrue())

		// One transaction means the inner failure takes the outer write down
		// with it.
		events, qerr := store.Query(ctx, dcb.NewQuery(dcb.NewTags("order_id", "o4")), nil)
		Expect(qerr).NotTo(HaveOccurred())
		Expect(events).To(BeEmpty())
	})

	It("enforces append conditions inside the transaction", func() {
		condition := dcb.NewIdempotencyCondition([]string{"OrderPlaced"}, dcb.NewTags("order_id", "o5"))
		event := dcb.NewInputEvent("OrderPlaced", dcb.NewTags("order_id", "o5"), dcb.ToJSON(map[string]int{"total": 5}))
		_, err := store.AppendIf(ctx, []dcb.InputEvent{event}, condition)
		Expect(err).NotTo(HaveOccurred())

		err = store.InTransaction(ctx, func(ctx context.Context, tx dcb.EventStore) error {
			_, err := tx.AppendIf(ctx, []dcb.InputEvent{event}, condition)
			return err
		})
		Expect(dcb.IsDuplicateOperationError(err)).To(BeTrue())
	})
})
