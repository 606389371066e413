package memory

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/assistd/internal/conversation"
	"github.com/fyrsmithlabs/assistd/internal/vectorstore"
	"go.uber.org/zap"
)

// DefaultQueueSize is the indexer's buffer when none is given.
const DefaultQueueSize = 256

// Indexer embeds stored messages into the vector index in the background.
// Enqueue never blocks; when the queue is full the message is dropped and
// the drop is logged.
type Indexer struct {
	index  VectorIndex
	logger *zap.Logger
	queue  chan conversation.Message

	once sync.Once
	done chan struct{}
}

// NewIndexer creates an indexer with the given queue size.
func NewIndexer(index VectorIndex, queueSize int, logger *zap.Logger) *Indexer {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		index:  index,
		logger: logger,
		queue:  make(chan conversation.Message, queueSize),
		done:   make(chan struct{}),
	}
}

// Enqueue schedules m for indexing. It matches conversation.Listener.
func (x *Indexer) Enqueue(m conversation.Message) {
	select {
	case <-x.done:
		return
	default:
	}
	select {
	case x.queue <- m:
	default:
		x.logger.Warn("memory index queue full, message not indexed",
			zap.String("message_id", m.ID))
	}
}

// Run indexes queued messages until ctx is canceled or Close is called,
// then drains what is already queued.
func (x *Indexer) Run(ctx context.Context) {
	for {
		select {
		case m := <-x.queue:
			x.index1(ctx, m)
		case <-ctx.Done():
			x.drain(context.WithoutCancel(ctx))
			return
		case <-x.done:
			x.drain(ctx)
			return
		}
	}
}

// Close stops accepting messages. Run drains the queue and returns.
func (x *Indexer) Close() {
	x.once.Do(func() { close(x.done) })
}

func (x *Indexer) drain(ctx context.Context) {
	for {
		select {
		case m := <-x.queue:
			x.index1(ctx, m)
		default:
			return
		}
	}
}

// IndexMessage embeds m synchronously.
func (x *Indexer) IndexMessage(ctx context.Context, m conversation.Message) error {
	_, err := x.index.Add(ctx, []string{m.Content}, []vectorstore.Metadata{messageMetadata(m)})
	return err
}

func (x *Indexer) index1(ctx context.Context, m conversation.Message) {
	if err := x.IndexMessage(ctx, m); err != nil {
		x.logger.Warn("message indexing failed",
			zap.String("message_id", m.ID),
			zap.String("conversation_id", m.ConversationID),
			zap.Error(err))
	}
}

func messageMetadata(m conversation.Message) vectorstore.Metadata {
	return vectorstore.Metadata{
		MetaMessageID:      m.ID,
		MetaConversationID: m.ConversationID,
		MetaRole:           m.Role,
		MetaMode:           m.Mode,
		MetaTimestamp:      m.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}
