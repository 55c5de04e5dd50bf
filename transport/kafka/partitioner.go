package kafka

import (
	"fmt"

	"github.com/IBM/sarama"
)

// NewConfig returns a sarama configuration prepared for this transport:
// sync-producer delivery reports, the selector-aware partitioner, and
// auto-commit disabled.
func NewConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = NewSelectorPartitioner
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Return.Errors = true
	return cfg
}

// NewSelectorPartitioner is a sarama.PartitionerConstructor honoring an
// explicit ProducerMessage.Partition when one was selected (>= 0). Records
// without an explicit partition hash by key; keyless records spread
// randomly.
func NewSelectorPartitioner(topic string) sarama.Partitioner {
	return &selectorPartitioner{
		hash:   sarama.NewHashPartitioner(topic),
		random: sarama.NewRandomPartitioner(topic),
	}
}

type selectorPartitioner struct {
	hash   sarama.Partitioner
	random sarama.Partitioner
}

func (p *selectorPartitioner) Partition(msg *sarama.ProducerMessage, numPartitions int32) (int32, error) {
	if msg.Partition >= 0 {
		if msg.Partition >= numPartitions {
			return 0, fmt.Errorf("selected partition %d out of range for topic %q (%d partitions)",
				msg.Partition, msg.Topic, numPartitions)
		}
		return msg.Partition, nil
	}
	if msg.Key != nil {
		return p.hash.Partition(msg, numPartitions)
	}
	return p.random.Partition(msg, numPartitions)
}

func (p *selectorPartitioner) RequiresConsistency() bool {
	return true
}

// Compile-time check
var _ sarama.Partitioner = (*selectorPartitioner)(nil)
