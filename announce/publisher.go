package announce

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"log/slog"
	"math/rand"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const defaultInterval = 24 * time.Hour

// Publisher periodically announces the instance record to a set of relays.
type Publisher struct {
	key      *ecdsa.PrivateKey
	record   Record
	relays   []string
	interval time.Duration
	logger   *slog.Logger
}

// NewPublisher builds a publisher. An interval at or below zero defaults to
// twenty-four hours.
func NewPublisher(key *ecdsa.PrivateKey, record Record, relays []string,
	interval time.Duration, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Publisher{
		key:      key,
		record:   record,
		relays:   append([]string{}, relays...),
		interval: interval,
		logger:   logger,
	}
}

// Run announces once immediately, then on every jittered interval until the
// context ends.
func (p *Publisher) Run(ctx context.Context) {
	if p == nil || p.key == nil || len(p.relays) == 0 {
		return
	}
	p.PublishOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered(p.interval)):
			p.PublishOnce(ctx)
		}
	}
}

// PublishOnce pushes the record to every relay that does not already hold a
// semantically equal copy.
func (p *Publisher) PublishOnce(ctx context.Context) {
	pubkey := hex.EncodeToString(ethcrypto.CompressPubkey(&p.key.PublicKey))
	ev, err := NewEvent(p.key, p.record, time.Now())
	if err != nil {
		p.logger.Error("build announcement", slog.String("error", err.Error()))
		return
	}
	for _, relayURL := range p.relays {
		client := &relayClient{url: relayURL}
		existing, err := client.Latest(ctx, pubkey, p.record.ProviderID)
		if err != nil {
			p.logger.Warn("relay query failed",
				slog.String("relay", relayURL),
				slog.String("error", err.Error()))
		} else if existing != nil {
			if record, err := existing.RecordOf(); err == nil && record.Equal(p.record) {
				p.logger.Debug("announcement up to date", slog.String("relay", relayURL))
				continue
			}
		}
		if err := client.Publish(ctx, ev); err != nil {
			p.logger.Warn("relay publish failed",
				slog.String("relay", relayURL),
				slog.String("error", err.Error()))
			continue
		}
		p.logger.Info("announcement published",
			slog.String("relay", relayURL),
			slog.String("provider_id", p.record.ProviderID))
	}
}

// jittered spreads the interval by up to ten percent either way.
func jittered(d time.Duration) time.Duration {
	spread := int64(float64(d) * 0.1)
	if spread <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(2*spread)-spread)
}
