package access

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/TencentBlueKing/bk-monitor-sub029/internal/metrics"
	"github.com/TencentBlueKing/bk-monitor-sub029/internal/strategy"
)

// bufferHorizon bounds how long consumed records stay pullable. Two pull
// windows plus ingest delay fit comfortably under five minutes.
const bufferHorizon = 5 * time.Minute

// KafkaSource consumes raw-record topics in the background and serves Pull
// from an in-memory buffer. Topic naming follows the platform convention
// "{cluster_prefix}_{data_source}_{biz_id}".
type KafkaSource struct {
	brokers       []string
	clusterPrefix string
	groupID       string

	mu      sync.Mutex
	buffers map[string][]*RawRecord // topic -> time-ordered records
	readers map[string]*kafka.Reader
	cancel  map[string]context.CancelFunc
}

func NewKafkaSource(brokers []string, clusterPrefix, groupID string) *KafkaSource {
	return &KafkaSource{
		brokers:       brokers,
		clusterPrefix: clusterPrefix,
		groupID:       groupID,
		buffers:       map[string][]*RawRecord{},
		readers:       map[string]*kafka.Reader{},
		cancel:        map[string]context.CancelFunc{},
	}
}

func (s *KafkaSource) topicOf(group *strategy.StrategyGroup) string {
	return fmt.Sprintf("%s_%s_%d", s.clusterPrefix, group.DataSource, group.BkBizID)
}

// Pull returns buffered records in [from, until), starting the topic
// consumer on first use.
func (s *KafkaSource) Pull(ctx context.Context, group *strategy.StrategyGroup, from, until int64) ([]*RawRecord, error) {
	topic := s.topicOf(group)
	s.ensureConsumer(topic)

	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.buffers[topic]
	lo := sort.Search(len(buf), func(i int) bool { return buf[i].Timestamp >= from })
	hi := sort.Search(len(buf), func(i int) bool { return buf[i].Timestamp >= until })
	out := make([]*RawRecord, hi-lo)
	copy(out, buf[lo:hi])
	return out, nil
}

func (s *KafkaSource) ensureConsumer(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.readers[topic]; ok {
		return
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        s.brokers,
		GroupID:        s.groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	s.readers[topic] = reader
	s.cancel[topic] = cancel
	go s.consume(ctx, topic, reader)
	log.Info().Str("topic", topic).Msg("raw record consumer started")
}

func (s *KafkaSource) consume(ctx context.Context, topic string, reader *kafka.Reader) {
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.ErrorsTotal.WithLabelValues("access", "mq_read").Inc()
			log.Error().Err(err).Str("topic", topic).Msg("raw record read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		record, err := DecodeRawRecord(msg.Value)
		if err != nil {
			metrics.DroppedTotal.WithLabelValues("access", "schema_invalid", "0").Inc()
			continue
		}
		s.append(topic, record)
	}
}

func (s *KafkaSource) append(topic string, record *RawRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := append(s.buffers[topic], record)
	// records arrive roughly in order; sort on the rare regression
	if n := len(buf); n > 1 && buf[n-1].Timestamp < buf[n-2].Timestamp {
		sort.SliceStable(buf, func(i, j int) bool { return buf[i].Timestamp < buf[j].Timestamp })
	}
	floor := time.Now().Add(-bufferHorizon).Unix()
	trim := sort.Search(len(buf), func(i int) bool { return buf[i].Timestamp >= floor })
	s.buffers[topic] = buf[trim:]
}

// Close stops every topic consumer.
func (s *KafkaSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for topic, cancel := range s.cancel {
		cancel()
		if err := s.readers[topic].Close(); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("reader close failed")
		}
	}
	s.readers = map[string]*kafka.Reader{}
	s.cancel = map[string]context.CancelFunc{}
	return nil
}
