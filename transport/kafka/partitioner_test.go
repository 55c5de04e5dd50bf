package kafka

import (
	"testing"

	"github.com/IBM/sarama"
)

func TestSelectorPartitioner(t *testing.T) {
	p := NewSelectorPartitioner("t")

	t.Run("explicit partition honored", func(t *testing.T) {
		msg := &sarama.ProducerMessage{Topic: "t", Partition: 10}
		got, err := p.Partition(msg, 16)
		if err != nil {
			t.Fatalf("Partition failed: %v", err)
		}
		if got != 10 {
			t.Errorf("expected partition 10, got %d", got)
		}
	})

	t.Run("explicit partition out of range", func(t *testing.T) {
		msg := &sarama.ProducerMessage{Topic: "t", Partition: 16}
		if _, err := p.Partition(msg, 16); err == nil {
			t.Error("expected error for out-of-range partition")
		}
	})

	t.Run("keyed records hash consistently", func(t *testing.T) {
		msg := func() *sarama.ProducerMessage {
			return &sarama.ProducerMessage{
				Topic:     "t",
				Partition: -1,
				Key:       sarama.ByteEncoder("stable-key"),
			}
		}
		first, err := p.Partition(msg(), 16)
		if err != nil {
			t.Fatalf("Partition failed: %v", err)
		}
		for i := 0; i < 5; i++ {
			got, err := p.Partition(msg(), 16)
			if err != nil {
				t.Fatalf("Partition failed: %v", err)
			}
			if got != first {
				t.Errorf("keyed partitioning not stable: %d then %d", first, got)
			}
		}
	})

	t.Run("keyless records stay in range", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			msg := &sarama.ProducerMessage{Topic: "t", Partition: -1}
			got, err := p.Partition(msg, 4)
			if err != nil {
				t.Fatalf("Partition failed: %v", err)
			}
			if got < 0 || got >= 4 {
				t.Fatalf("partition %d out of range", got)
			}
		}
	})
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	if cfg.Consumer.Offsets.AutoCommit.Enable {
		t.Error("expected auto-commit disabled")
	}
	if !cfg.Producer.Return.Successes {
		t.Error("expected producer success reports enabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("config does not validate: %v", err)
	}
}
