package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"whale-cluster-engine/internal/application/service"
	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/infrastructure/config"
	"whale-cluster-engine/internal/infrastructure/logger"
	"whale-cluster-engine/internal/infrastructure/retry"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	fetchBatch   = 50
	fetchMaxWait = 2 * time.Second
)

// Ingestor receives decoded batches
type Ingestor interface {
	IngestTransfers(ctx context.Context, transfers []*entity.TransferEvent) (service.IngestResult, error)
	IngestBalances(ctx context.Context, balances []*entity.BalanceSnapshot) (service.IngestResult, error)
}

type outcome int

const (
	outcomeAck  outcome = iota // stored or skipped as malformed/duplicate
	outcomeNak                 // storage failed, redeliver
	outcomeTerm                // undecodable, never redeliver
)

// NATSConsumer feeds transfer and balance messages into the ingestion service.
// It binds durable JetStream pull consumers and falls back to core NATS queue subscriptions.
type NATSConsumer struct {
	config   *config.NATSConfig
	ingestor Ingestor
	logger   *logger.Logger

	conn      *nats.Conn
	js        nats.JetStreamContext
	subs      []*nats.Subscription
	jetStream bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNATSConsumer creates a new NATS consumer
func NewNATSConsumer(cfg *config.NATSConfig, ingestor Ingestor, logger *logger.Logger) *NATSConsumer {
	return &NATSConsumer{
		config:   cfg,
		ingestor: ingestor,
		logger:   logger.WithComponent("nats-consumer"),
	}
}

// TransferSubject is the subject carrying transfer events
func (n *NATSConsumer) TransferSubject() string {
	return fmt.Sprintf("%s.transfers", n.config.SubjectPrefix)
}

// BalanceSubject is the subject carrying balance snapshots
func (n *NATSConsumer) BalanceSubject() string {
	return fmt.Sprintf("%s.balances", n.config.SubjectPrefix)
}

// Start connects to NATS and begins consuming
func (n *NATSConsumer) Start(ctx context.Context) error {
	if !n.config.Enabled {
		n.logger.Info("NATS is disabled, skipping connection")
		return nil
	}

	n.logger.Info("Connecting to NATS server", zap.String("url", n.config.URL))

	opts := []nats.Option{
		nats.Name("whale-cluster-engine"),
		nats.Timeout(n.config.ConnectTimeout),
		nats.ReconnectWait(n.config.ReconnectDelay),
		nats.MaxReconnects(n.config.ReconnectAttempts),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			n.logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			n.logger.Info("NATS connection closed")
		}),
	}

	var conn *nats.Conn
	err := retry.Do(ctx, retry.ConnectPolicy(), n.logger, "nats connect", func(context.Context) error {
		var err error
		conn, err = nats.Connect(n.config.URL, opts...)
		return err
	})
	if err != nil {
		n.logger.Error("Failed to connect to NATS", zap.Error(err))
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	n.conn = conn

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	js, err := conn.JetStream()
	if err == nil {
		n.js = js
		if err = n.setupJetStream(runCtx); err == nil {
			return nil
		}
		n.logger.Warn("JetStream consumers unavailable, falling back to core NATS", zap.Error(err))
		n.unsubscribe()
	} else {
		n.logger.Warn("JetStream not available, using core NATS", zap.Error(err))
	}
	return n.setupCore(runCtx)
}

func (n *NATSConsumer) setupJetStream(ctx context.Context) error {
	for _, sc := range []struct {
		subject string
		suffix  string
	}{{n.TransferSubject(), "transfers"}, {n.BalanceSubject(), "balances"}} {
		durable := n.config.Durable + "-" + sc.suffix
		subOpts := []nats.SubOpt{nats.ManualAck()}
		if n.config.StreamName != "" {
			subOpts = append(subOpts, nats.BindStream(n.config.StreamName))
		}

		sub, err := n.js.PullSubscribe(sc.subject, durable, subOpts...)
		if err != nil {
			return fmt.Errorf("failed to bind pull consumer %s: %w", durable, err)
		}
		n.subs = append(n.subs, sub)

		n.logger.Info("Bound JetStream pull consumer",
			zap.String("stream", n.config.StreamName),
			zap.String("subject", sc.subject),
			zap.String("durable", durable))
	}

	n.jetStream = true
	for _, sub := range n.subs {
		n.wg.Add(1)
		go n.fetchLoop(ctx, sub)
	}
	return nil
}

func (n *NATSConsumer) fetchLoop(ctx context.Context, sub *nats.Subscription) {
	defer n.wg.Done()

	for ctx.Err() == nil {
		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchMaxWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			n.logger.Error("Failed to fetch messages", zap.String("subject", sub.Subject), zap.Error(err))
			time.Sleep(fetchMaxWait)
			continue
		}
		for _, msg := range msgs {
			n.settle(msg, n.handle(ctx, msg.Subject, msg.Data))
		}
	}
}

func (n *NATSConsumer) setupCore(ctx context.Context) error {
	for _, subject := range []string{n.TransferSubject(), n.BalanceSubject()} {
		sub, err := n.conn.QueueSubscribe(subject, n.config.ConsumerGroup, func(msg *nats.Msg) {
			n.handle(ctx, msg.Subject, msg.Data)
		})
		if err != nil {
			n.logger.Error("Failed to subscribe to subject", zap.String("subject", subject), zap.Error(err))
			n.unsubscribe()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		if n.config.MaxPendingMessages > 0 {
			_ = sub.SetPendingLimits(n.config.MaxPendingMessages, -1)
		}
		n.subs = append(n.subs, sub)
	}

	n.logger.Info("Subscribed to core NATS",
		zap.String("transfers", n.TransferSubject()),
		zap.String("balances", n.BalanceSubject()),
		zap.String("queue_group", n.config.ConsumerGroup))
	return nil
}

// handle decodes one message and passes it to the ingestor
func (n *NATSConsumer) handle(ctx context.Context, subject string, data []byte) outcome {
	var (
		result service.IngestResult
		err    error
	)

	switch subject {
	case n.TransferSubject():
		transfers, decodeErr := DecodeTransfers(data)
		if decodeErr != nil {
			n.logger.Error("Failed to decode transfer message", zap.Error(decodeErr))
			return outcomeTerm
		}
		result, err = n.ingestor.IngestTransfers(ctx, transfers)
	case n.BalanceSubject():
		balances, decodeErr := DecodeBalances(data)
		if decodeErr != nil {
			n.logger.Error("Failed to decode balance message", zap.Error(decodeErr))
			return outcomeTerm
		}
		result, err = n.ingestor.IngestBalances(ctx, balances)
	default:
		n.logger.Warn("Message on unexpected subject", zap.String("subject", subject))
		return outcomeTerm
	}

	if err != nil {
		n.logger.Error("Failed to ingest message",
			zap.String("subject", subject),
			zap.Int("accepted", result.Accepted),
			zap.Error(err))
		return outcomeNak
	}
	n.logger.Debug("Ingested message",
		zap.String("subject", subject),
		zap.Int("accepted", result.Accepted),
		zap.Int("duplicates", result.Duplicates),
		zap.Int("malformed", result.Malformed))
	return outcomeAck
}

func (n *NATSConsumer) settle(msg *nats.Msg, o outcome) {
	if !n.jetStream {
		return
	}
	var err error
	switch o {
	case outcomeAck:
		err = msg.Ack()
	case outcomeNak:
		err = msg.Nak()
	case outcomeTerm:
		err = msg.Term()
	}
	if err != nil {
		n.logger.Warn("Failed to settle message", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (n *NATSConsumer) unsubscribe() {
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.subs = nil
}

// Stop stops consuming and closes the connection
func (n *NATSConsumer) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	if n.conn != nil {
		if n.jetStream {
			n.wg.Wait()
		}
		if err := n.conn.Drain(); err != nil {
			n.conn.Close()
		}
		n.conn = nil
	}
	n.subs = nil
	n.logger.Info("Disconnected from NATS")
	return nil
}

// IsConnected checks if connected to NATS
func (n *NATSConsumer) IsConnected() bool {
	return n.conn != nil && n.conn.IsConnected()
}
