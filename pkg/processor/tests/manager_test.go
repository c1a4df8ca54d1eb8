package processor_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go-tidemark/pkg/dcb"
	"go-tidemark/pkg/processor"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func appendOrders(ctx context.Context, n int) {
	GinkgoHelper()
	for i := 0; i < n; i++ {
		event := dcb.NewInputEvent("OrderPlaced",
			dcb.NewTags("order_id", fmt.Sprintf("o%d", i)), dcb.ToJSON(map[string]int{"seq": i}))
		Expect(store.Append(ctx, []dcb.InputEvent{event})).To(Succeed())
	}
}

var _ = Describe("Manager", func() {
	var ctx context.Context

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(suiteCtx, 60*time.Second)
		DeferCleanup(cancel)
		Expect(truncateAll(ctx, pool)).To(Succeed())
	})

	startManager := func(m *processor.Manager) {
		GinkgoHelper()
		Expect(m.Start(ctx)).To(Succeed())
		DeferCleanup(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = m.Stop(stopCtx)
		})
	}

	It("auto-registers at cursor zero and catches up to the head", func() {
		appendOrders(ctx, 5)

		c := &collector{}
		m := processor.NewManager(pool, fastConfig())
		Expect(m.Register(processor.Subscription{
			Processor: "relay", Key: "orders", Handler: c,
		})).To(Succeed())
		startManager(m)

		Eventually(c.count, 10*time.Second, 25*time.Millisecond).Should(Equal(5))

		p, err := m.Details(ctx, "relay", "orders")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Status).To(Equal(processor.StatusActive))

		head, err := processor.HeadPosition(ctx, pool)
		Expect(err).NotTo(HaveOccurred())
		Eventually(func() int64 {
			p, err := m.Details(ctx, "relay", "orders")
			Expect(err).NotTo(HaveOccurred())
			return p.Cursor.Position
		}, 10*time.Second, 25*time.Millisecond).Should(Equal(head))

		// Fresh events keep flowing without any re-registration.
		appendOrders(ctx, 3)
		Eventually(c.count, 10*time.Second, 25*time.Millisecond).Should(Equal(8))
	})

	It("delivers each event once and in order under normal operation", func() {
		c := &collector{}
		m := processor.NewManager(pool, fastConfig())
		Expect(m.Register(processor.Subscription{
			Processor: "relay", Key: "orders", Handler: c,
		})).To(Succeed())
		startManager(m)

		appendOrders(ctx, 10)
		Eventually(c.count, 10*time.Second, 25*time.Millisecond).Should(Equal(10))
		Consistently(c.count, 300*time.Millisecond, 50*time.Millisecond).Should(Equal(10))

		seen := c.seen()
		for i := 1; i < len(seen); i++ {
			Expect(seen[i].Position).To(BeNumerically(">", seen[i-1].Position))
		}
	})

	It("pushes subscription filters into the fetch", func() {
		c := &collector{}
		m := processor.NewManager(pool, fastConfig())
		Expect(m.Register(processor.Subscription{
			Processor: "relay",
			Key:       "shipped-only",
			Query:     dcb.NewQuery(nil, "OrderShipped"),
			Handler:   c,
		})).To(Succeed())
		startManager(m)

		appendOrders(ctx, 3)
		shipped := dcb.NewInputEvent("OrderShipped", dcb.NewTags("order_id", "o0"), dcb.ToJSON(map[string]bool{"ok": true}))
		Expect(store.Append(ctx, []dcb.InputEvent{shipped})).To(Succeed())

		Eventually(c.count, 10*time.Second, 25*time.Millisecond).Should(Equal(1))
		Expect(c.seen()[0].Type).To(Equal("OrderShipped"))
	})

	It("parks a paused subscription and catches up on resume", func() {
		c := &collector{}
		m := processor.NewManager(pool, fastConfig())
		Expect(m.Register(processor.Subscription{
			Processor: "relay", Key: "orders", Handler: c,
		})).To(Succeed())
		startManager(m)

		// Wait for the progress row, then park it.
		Eventually(func() error {
			_, err := m.Details(ctx, "relay", "orders")
			return err
		}, 10*time.Second, 25*time.Millisecond).Should(Succeed())
		Expect(m.Pause(ctx, "relay", "orders")).To(Succeed())

		appendOrders(ctx, 4)
		Consistently(c.count, 500*time.Millisecond, 50*time.Millisecond).Should(BeZero())

		report, err := m.Status(ctx, "relay", "orders")
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Status).To(Equal(processor.StatusPaused))
		Expect(report.Lag).To(BeNumerically(">=", 4))

		Expect(m.Resume(ctx, "relay", "orders")).To(Succeed())
		Eventually(c.count, 10*time.Second, 25*time.Millisecond).Should(Equal(4))
		Eventually(func() int64 {
			report, err := m.Status(ctx, "relay", "orders")
			Expect(err).NotTo(HaveOccurred())
			return report.Lag
		}, 10*time.Second, 25*time.Millisecond).Should(BeZero())
	})

	It("replays the log after a reset", func() {
		appendOrders(ctx, 3)

		c := &collector{}
		m := processor.NewManager(pool, fastConfig())
		Expect(m.Register(processor.Subscription{
			Processor: "relay", Key: "orders", Handler: c,
		})).To(Succeed())
		startManager(m)

		Eventually(c.count, 10*time.Second, 25*time.Millisecond).Should(Equal(3))

		Expect(m.Reset(ctx, "relay", "orders")).To(Succeed())
		Eventually(c.count, 10*time.Second, 25*time.Millisecond).Should(Equal(6), "reset rewinds to the start of the log")
	})

	It("creates the progress row when resetting an unknown subscription", func() {
		m := processor.NewManager(pool, fastConfig())
		Expect(m.Reset(ctx, "relay", "never-started")).To(Succeed())

		rows, err := processor.ListProgress(ctx, pool, "relay")
		Expect(err).NotTo(HaveOccurred())
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].SubscriptionKey).To(Equal("never-started"))
		Expect(rows[0].Cursor.IsZero()).To(BeTrue())
		Expect(rows[0].Status).To(Equal(processor.StatusActive))
	})

	It("rejects pause and resume for unknown subscriptions", func() {
		m := processor.NewManager(pool, fastConfig())
		Expect(errors.Is(m.Pause(ctx, "relay", "ghost"), processor.ErrSubscriptionNotFound)).To(BeTrue())
		Expect(errors.Is(m.Resume(ctx, "relay", "ghost"), processor.ErrSubscriptionNotFound)).To(BeTrue())
	})

	It("elects a single leader per processor across instances", func() {
		first := &collector{}
		second := &collector{}

		m1 := processor.NewManager(pool, fastConfig(), processor.WithInstanceID("instance-a"))
		Expect(m1.Register(processor.Subscription{Processor: "relay", Key: "orders", Handler: first})).To(Succeed())
		m2 := processor.NewManager(pool, fastConfig(), processor.WithInstanceID("instance-b"))
		Expect(m2.Register(processor.Subscription{Processor: "relay", Key: "orders", Handler: second})).To(Succeed())

		startManager(m1)
		startManager(m2)

		appendOrders(ctx, 6)
		Eventually(func() int {
			return first.count() + second.count()
		}, 10*time.Second, 25*time.Millisecond).Should(Equal(6))
		Consistently(func() int {
			return first.count() + second.count()
		}, 500*time.Millisecond, 50*time.Millisecond).Should(Equal(6), "no duplicate delivery with both instances live")

		// One of them got everything; the other got nothing.
		Expect([]int{first.count(), second.count()}).To(ConsistOf(6, 0))

		p, err := m1.Details(ctx, "relay", "orders")
		Expect(err).NotTo(HaveOccurred())
		if first.count() > 0 {
			Expect(p.LeaderInstance).To(Equal("instance-a"))
		} else {
			Expect(p.LeaderInstance).To(Equal("instance-b"))
		}
	})

	It("fails leadership over when the leader stops", func() {
		first := &collector{}
		second := &collector{}

		m1 := processor.NewManager(pool, fastConfig(), processor.WithInstanceID("instance-a"))
		Expect(m1.Register(processor.Subscription{Processor: "relay", Key: "orders", Handler: first})).To(Succeed())
		Expect(m1.Start(ctx)).To(Succeed())

		appendOrders(ctx, 2)
		Eventually(first.count, 10*time.Second, 25*time.Millisecond).Should(Equal(2))

		m2 := processor.NewManager(pool, fastConfig(), processor.WithInstanceID("instance-b"))
		Expect(m2.Register(processor.Subscription{Processor: "relay", Key: "orders", Handler: second})).To(Succeed())
		startManager(m2)

		// Stopping the leader closes its election session and frees the lock.
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		Expect(m1.Stop(stopCtx)).To(Succeed())

		appendOrders(ctx, 3)
		Eventually(second.count, 15*time.Second, 25*time.Millisecond).Should(Equal(3))
		Expect(second.seen()[0].Position).To(BeNumerically(">", first.seen()[1].Position),
			"the successor resumes from the shared cursor, not from zero")

		Eventually(func() string {
			p, err := m2.Details(ctx, "relay", "orders")
			Expect(err).NotTo(HaveOccurred())
			return p.LeaderInstance
		}, 10*time.Second, 25*time.Millisecond).Should(Equal("instance-b"))
	})

	It("keeps retrying failing subscriptions and records the error", func() {
		boom := errors.New("sink offline")
		var allow atomic.Bool
		c := &collector{}
		handler := processor.BatchHandlerFunc(func(hctx context.Context, events []dcb.Event, p processor.Progress) (dcb.Cursor, error) {
			if !allow.Load() {
				return p.Cursor, boom
			}
			return c.Handle(hctx, events, p)
		})

		m := processor.NewManager(pool, fastConfig())
		Expect(m.Register(processor.Subscription{Processor: "relay", Key: "orders", Handler: handler})).To(Succeed())
		startManager(m)

		appendOrders(ctx, 2)
		Eventually(func() int {
			p, err := m.Details(ctx, "relay", "orders")
			if err != nil {
				return 0
			}
			return p.ErrorCount
		}, 10*time.Second, 25*time.Millisecond).Should(BeNumerically(">=", 2))

		p, err := m.Details(ctx, "relay", "orders")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.LastError).To(ContainSubstring("sink offline"))

		// The sink recovers; the scheduler works through the backlog and the
		// error state clears on the next successful advance.
		allow.Store(true)
		Eventually(c.count, 15*time.Second, 25*time.Millisecond).Should(Equal(2))
		Eventually(func() int {
			p, err := m.Details(ctx, "relay", "orders")
			Expect(err).NotTo(HaveOccurred())
			return p.ErrorCount
		}, 10*time.Second, 25*time.Millisecond).Should(BeZero())
	})

	It("persists partial progress when a handler fails mid-batch", func() {
		boom := errors.New("second event rejected")
		var failed bool
		c := &collector{}
		handler := processor.BatchHandlerFunc(func(hctx context.Context, events []dcb.Event, p processor.Progress) (dcb.Cursor, error) {
			if !failed && len(events) > 1 {
				failed = true
				// Consume exactly one event, then fail.
				_, _ = c.Handle(hctx, events[:1], p)
				first := events[0]
				return dcb.Cursor{TransactionID: first.TransactionID, Position: first.Position}, boom
			}
			return c.Handle(hctx, events, p)
		})

		appendOrders(ctx, 3)

		m := processor.NewManager(pool, fastConfig())
		Expect(m.Register(processor.Subscription{Processor: "relay", Key: "orders", Handler: handler})).To(Succeed())
		startManager(m)

		Eventually(c.count, 15*time.Second, 25*time.Millisecond).Should(Equal(3))
		seen := c.seen()
		positions := make(map[int64]int, len(seen))
		for _, ev := range seen {
			positions[ev.Position]++
		}
		for pos, n := range positions {
			Expect(n).To(Equal(1), "event at position %d delivered more than once", pos)
		}
	})

	It("rejects invalid registrations", func() {
		m := processor.NewManager(pool, fastConfig())
		Expect(m.Register(processor.Subscription{Processor: "", Key: "k", Handler: &collector{}})).To(HaveOccurred())
		Expect(m.Register(processor.Subscription{Processor: "p", Key: "", Handler: &collector{}})).To(HaveOccurred())
		Expect(m.Register(processor.Subscription{Processor: "p", Key: "k"})).To(HaveOccurred())

		Expect(m.Register(processor.Subscription{Processor: "p", Key: "k", Handler: &collector{}})).To(Succeed())
		Expect(m.Register(processor.Subscription{Processor: "p", Key: "k", Handler: &collector{}})).To(HaveOccurred())
	})

	It("refuses to start with nothing registered", func() {
		m := processor.NewManager(pool, fastConfig())
		Expect(m.Start(ctx)).To(HaveOccurred())
	})
})
