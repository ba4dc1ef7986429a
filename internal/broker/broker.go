// Package broker implements the fault-injecting relay that sits between a
// sender and a receiver for testing: drop, mutate, then delay each
// datagram independently in both directions (spec.md §5).
package broker

import (
	"context"
	"log"
	"math/rand"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/udpxfer/internal/metrics"
	"github.com/mrcgq/udpxfer/internal/xudp"
)

const (
	recvBufferSize = 65535
	pollInterval   = 500 * time.Millisecond
)

const (
	directionDown = "sender_to_receiver"
	directionUp   = "receiver_to_sender"
)

// Broker relays datagrams between one sender and one receiver, corrupting
// them along the way per its Config.
type Broker struct {
	cfg     Config
	logger  *log.Logger
	stats   *metrics.BrokerStats
	rngDown *rand.Rand
	rngUp   *rand.Rand

	clientSock   xudp.Socket // faces the sender, bound to cfg.SenderBindAddr
	upstreamSock xudp.Socket // faces the receiver, bound to cfg.ReceiverBindAddr

	downQueue *delayQueue
	upQueue   *delayQueue
}

// New builds a Broker. clientSock must already be bound to cfg.SenderBindAddr
// and upstreamSock to cfg.ReceiverBindAddr; both peer addresses
// (cfg.SenderAddr, cfg.ReceiverAddr) are statically configured, matching the
// original reference broker's four fixed endpoints (spec.md §6).
func New(cfg Config, clientSock, upstreamSock xudp.Socket, logger *log.Logger, m *metrics.BrokerStats) *Broker {
	b := &Broker{
		cfg:          cfg,
		logger:       logger,
		stats:        m,
		rngDown:      rand.New(rand.NewSource(1)),
		rngUp:        rand.New(rand.NewSource(2)),
		clientSock:   clientSock,
		upstreamSock: upstreamSock,
	}
	b.downQueue = newDelayQueue(func(dest *net.UDPAddr, data []byte) {
		b.upstreamSock.SendTo(data, dest)
	})
	b.upQueue = newDelayQueue(func(dest *net.UDPAddr, data []byte) {
		b.clientSock.SendTo(data, dest)
	})
	return b
}

func (b *Broker) logf(format string, args ...interface{}) {
	if b.logger != nil {
		b.logger.Printf(format, args...)
	}
}

// Run relays datagrams in both directions until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		b.downQueue.run()
		return nil
	})
	g.Go(func() error {
		b.upQueue.run()
		return nil
	})
	g.Go(func() error {
		return b.relayLoop(ctx, b.clientSock, directionDown, b.downQueue, b.rngDown)
	})
	g.Go(func() error {
		return b.relayLoop(ctx, b.upstreamSock, directionUp, b.upQueue, b.rngUp)
	})
	g.Go(func() error {
		<-ctx.Done()
		b.downQueue.close()
		b.upQueue.close()
		return nil
	})

	return g.Wait()
}

// relayLoop reads datagrams from src, runs them through the fault pipeline,
// and pushes survivors onto q for delayed delivery. The destination for each
// direction is one of the broker's two statically-configured peer addresses.
func (b *Broker) relayLoop(ctx context.Context, src xudp.Socket, direction string, q *delayQueue, rng *rand.Rand) error {
	buf := make([]byte, recvBufferSize)
	dest := b.destinationFor(direction)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, from, err := src.ReceiveFrom(buf, time.Now().Add(pollInterval))
		if err != nil {
			if xudp.IsTimeout(err) {
				continue
			}
			return err
		}

		if !dropFilter(b.cfg.DropRate, rng) {
			b.logf("%s: dropped datagram from %s", direction, from)
			if b.stats != nil {
				b.stats.Dropped.WithLabelValues(direction).Inc()
			}
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		mutated := mutateFilter(data, b.cfg.ModifyRate, rng)
		if mutated > 0 && b.stats != nil {
			b.stats.Mutated.WithLabelValues(direction).Add(float64(mutated))
		}

		delay := delaySeconds(b.cfg.DelayMean, b.cfg.DelayStd, rng)
		q.push(dest, data, time.Now().Add(time.Duration(delay*float64(time.Second))))
		if b.stats != nil {
			b.stats.QueueLen.WithLabelValues(direction).Set(float64(q.len()))
			b.stats.Relayed.WithLabelValues(direction).Inc()
		}
	}
}

func (b *Broker) destinationFor(direction string) *net.UDPAddr {
	if direction == directionDown {
		return b.cfg.ReceiverAddr
	}
	return b.cfg.SenderAddr
}
