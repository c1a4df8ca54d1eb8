package processor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go-tidemark/pkg/dcb"
	"go-tidemark/pkg/outbox"
	"go-tidemark/pkg/processor"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// flakySink fails every delivery until opened.
type flakySink struct {
	open     atomic.Bool
	received atomic.Int64
}

func (s *flakySink) Name() string { return "flaky" }

func (s *flakySink) Publish(ctx context.Context, env outbox.Envelope) error {
	if !s.open.Load() {
		return errors.New("connection refused")
	}
	s.received.Add(1)
	return nil
}

func (s *flakySink) PublishBatch(ctx context.Context, envs []outbox.Envelope) error {
	for _, env := range envs {
		if err := s.Publish(ctx, env); err != nil {
			return err
		}
	}
	return nil
}

func (s *flakySink) Healthy() bool { return true }

var _ = Describe("Outbox worker", func() {
	var ctx context.Context

	walletEvents := outbox.Topic{Name: "wallet-events", Required: []string{"wallet_id"}}
	auditEvents := outbox.Topic{Name: "audit-events", Exact: map[string]string{"status": "completed"}}

	BeforeEach(func() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(suiteCtx, 60*time.Second)
		DeferCleanup(cancel)
		Expect(truncateAll(ctx, pool)).To(Succeed())
	})

	startWorker := func(w *outbox.Worker) {
		GinkgoHelper()
		Expect(w.Start(ctx)).To(Succeed())
		DeferCleanup(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = w.Stop(stopCtx)
		})
	}

	It("fans committed events out to every matching topic", func() {
		stats := outbox.NewStatsPublisher()
		w, err := outbox.NewWorker(pool, []outbox.Topic{walletEvents, auditEvents},
			[]outbox.Publisher{stats}, outbox.Config{Processor: fastConfig()})
		Expect(err).NotTo(HaveOccurred())
		startWorker(w)

		batch := dcb.NewEventBatch(
			dcb.NewInputEvent("WalletOpened", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]int{"balance": 0})),
			dcb.NewInputEvent("TransferCompleted", dcb.NewTags("wallet_id", "w1", "status", "completed"), dcb.ToJSON(map[string]int{"amount": 5})),
			dcb.NewInputEvent("AuditRecorded", dcb.NewTags("status", "completed"), dcb.ToJSON(map[string]bool{"ok": true})),
			dcb.NewInputEvent("Unrelated", dcb.NewTags("other", "x"), dcb.ToJSON(map[string]bool{"ok": true})),
		)
		Expect(store.Append(ctx, batch)).To(Succeed())

		// wallet-events matches the two wallet_id events; audit-events
		// matches the two status=completed ones. The overlap goes to both.
		Eventually(stats.Total, 15*time.Second, 25*time.Millisecond).Should(Equal(uint64(4)))
		Expect(stats.Count("wallet-events", "WalletOpened")).To(Equal(uint64(1)))
		Expect(stats.Count("wallet-events", "TransferCompleted")).To(Equal(uint64(1)))
		Expect(stats.Count("audit-events", "TransferCompleted")).To(Equal(uint64(1)))
		Expect(stats.Count("audit-events", "AuditRecorded")).To(Equal(uint64(1)))
		Expect(stats.Count("wallet-events", "Unrelated")).To(BeZero(), "an event matching no topic is ignored")

		// Each (topic, publisher) pair keeps its own cursor, resting at its
		// last matching event.
		all, err := store.Query(ctx, dcb.NewQueryEmpty(), nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(all).To(HaveLen(4))

		Eventually(func() int64 {
			p, err := w.Details(ctx, "wallet-events", "stats")
			Expect(err).NotTo(HaveOccurred())
			return p.Cursor.Position
		}, 10*time.Second, 25*time.Millisecond).Should(Equal(all[1].Position))
		Eventually(func() int64 {
			p, err := w.Details(ctx, "audit-events", "stats")
			Expect(err).NotTo(HaveOccurred())
			return p.Cursor.Position
		}, 10*time.Second, 25*time.Millisecond).Should(Equal(all[2].Position))
	})

	It("delivers per topic in log order with unique envelope ids", func() {
		latch := outbox.NewLatchPublisher(3)
		w, err := outbox.NewWorker(pool, []outbox.Topic{walletEvents},
			[]outbox.Publisher{latch}, outbox.Config{Processor: fastConfig()})
		Expect(err).NotTo(HaveOccurred())
		startWorker(w)

		for i := 0; i < 3; i++ {
			event := dcb.NewInputEvent("DepositMade", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]int{"seq": i}))
			Expect(store.Append(ctx, []dcb.InputEvent{event})).To(Succeed())
		}
		Expect(latch.Await(ctx)).To(Succeed())

		received := latch.Received()
		Expect(received).To(HaveLen(3))
		ids := make(map[string]struct{}, len(received))
		for i, env := range received {
			Expect(env.Topic).To(Equal("wallet-events"))
			ids[env.ID] = struct{}{}
			if i > 0 {
				Expect(env.Event.Position).To(BeNumerically(">", received[i-1].Event.Position))
			}
		}
		Expect(ids).To(HaveLen(3))
	})

	It("parks a failing pair without holding back healthy ones", func() {
		stats := outbox.NewStatsPublisher()
		sink := &flakySink{}
		w, err := outbox.NewWorker(pool, []outbox.Topic{walletEvents},
			[]outbox.Publisher{stats, sink},
			outbox.Config{Processor: fastConfig(), MaxConsecutiveErrors: 2, PerTopicLocks: true})
		Expect(err).NotTo(HaveOccurred())
		startWorker(w)

		event := dcb.NewInputEvent("DepositMade", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]int{"amount": 1}))
		Expect(store.Append(ctx, []dcb.InputEvent{event})).To(Succeed())

		// The healthy pair advances; the failing one burns its error budget
		// and parks FAILED.
		Eventually(stats.Total, 15*time.Second, 25*time.Millisecond).Should(Equal(uint64(1)))
		Eventually(func() processor.Status {
			report, err := w.Status(ctx, "wallet-events", "flaky")
			Expect(err).NotTo(HaveOccurred())
			return report.Status
		}, 15*time.Second, 25*time.Millisecond).Should(Equal(processor.StatusFailed))

		p, err := w.Details(ctx, "wallet-events", "flaky")
		Expect(err).NotTo(HaveOccurred())
		Expect(p.LastError).To(ContainSubstring("connection refused"))
		Expect(p.Cursor.IsZero()).To(BeTrue(), "nothing was delivered, so the cursor stays put")

		// A parked pair stays parked until an operator intervenes.
		Consistently(sink.received.Load, 500*time.Millisecond, 50*time.Millisecond).Should(BeZero())

		// The sink comes back and the operator resumes the pair; delivery
		// picks up from the retained cursor.
		sink.open.Store(true)
		Expect(w.Resume(ctx, "wallet-events", "flaky")).To(Succeed())
		Eventually(sink.received.Load, 15*time.Second, 25*time.Millisecond).Should(Equal(int64(1)))
		Eventually(func() processor.Status {
			report, err := w.Status(ctx, "wallet-events", "flaky")
			Expect(err).NotTo(HaveOccurred())
			return report.Status
		}, 10*time.Second, 25*time.Millisecond).Should(Equal(processor.StatusActive))
	})

	It("redelivers from the start of the log after a reset", func() {
		stats := outbox.NewStatsPublisher()
		w, err := outbox.NewWorker(pool, []outbox.Topic{walletEvents},
			[]outbox.Publisher{stats}, outbox.Config{Processor: fastConfig()})
		Expect(err).NotTo(HaveOccurred())
		startWorker(w)

		event := dcb.NewInputEvent("DepositMade", dcb.NewTags("wallet_id", "w1"), dcb.ToJSON(map[string]int{"amount": 1}))
		Expect(store.Append(ctx, []dcb.InputEvent{event})).To(Succeed())
		Eventually(stats.Total, 15*time.Second, 25*time.Millisecond).Should(Equal(uint64(1)))

		Expect(w.Reset(ctx, "wallet-events", "stats")).To(Succeed())
		Eventually(stats.Total, 15*time.Second, 25*time.Millisecond).Should(Equal(uint64(2)), "at-least-once: a reset replays past deliveries")
	})

	It("rejects invalid configurations", func() {
		stats := outbox.NewStatsPublisher()
		_, err := outbox.NewWorker(pool, nil, []outbox.Publisher{stats}, outbox.Config{})
		Expect(err).To(HaveOccurred())
		_, err = outbox.NewWorker(pool, []outbox.Topic{walletEvents}, nil, outbox.Config{})
		Expect(err).To(HaveOccurred())
		_, err = outbox.NewWorker(pool, []outbox.Topic{walletEvents, walletEvents}, []outbox.Publisher{stats}, outbox.Config{})
		Expect(err).To(HaveOccurred())
		_, err = outbox.NewWorker(pool, []outbox.Topic{{Name: "bad/name"}}, []outbox.Publisher{stats}, outbox.Config{})
		Expect(err).To(HaveOccurred())
	})
})
