package producer

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

func TestNewRequiresBrokers(t *testing.T) {
	if _, err := New(nil, zerolog.Nop()); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestRecordHeadersCopiesValues(t *testing.T) {
	value := []byte("instance-a")
	headers := recordHeaders(map[string][]byte{"x-bridge-instance": value})
	value[0] = 'X'

	if len(headers) != 1 || string(headers[0].Key) != "x-bridge-instance" || string(headers[0].Value) != "instance-a" {
		t.Fatalf("unexpected headers %+v", headers)
	}
	if recordHeaders(nil) != nil {
		t.Fatalf("expected nil headers for empty input")
	}
}

func TestDefaultConfigWaitsForAcks(t *testing.T) {
	cfg := defaultConfig()
	if cfg.ClientID != defaultClientID || cfg.Producer.RequiredAcks != sarama.WaitForAll || !cfg.Producer.Return.Successes {
		t.Fatalf("unexpected producer config")
	}
}
