package stream

import (
	"fmt"
	"sync"
	"time"

	natsd "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// NatsBus carries topics over a nats connection so several nodes share one
// change feed. Recv channels are buffered and drop on overflow, matching
// SoloBus semantics.
type NatsBus struct {
	nc *nats.Conn

	m    sync.Mutex
	subs map[string]chan []byte
}

// NewNats connects to an external nats server.
func NewNats(url string) (Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	return &NatsBus{nc: nc, subs: make(map[string]chan []byte)}, nil
}

// NewEmbeddedNats starts an in-process nats server and connects to it.
// Used when one node should still be reachable by external subscribers.
func NewEmbeddedNats(host string, port int, storeDir string) (Bus, error) {
	opts := &natsd.Options{
		Host:      host,
		Port:      port,
		JetStream: true,
		StoreDir:  storeDir,
	}

	ns, err := natsd.NewServer(opts)
	if err != nil {
		return nil, err
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		return nil, fmt.Errorf("embedded nats did not become ready")
	}

	return NewNats(ns.ClientURL())
}

func (b *NatsBus) Send(topic string, v []byte) error {
	return b.nc.Publish(topic, v)
}

func (b *NatsBus) Recv(topic string) chan []byte {
	b.m.Lock()
	defer b.m.Unlock()

	if b.subs[topic] == nil {
		ch := make(chan []byte, 16)
		b.subs[topic] = ch
		b.nc.Subscribe(topic, func(msg *nats.Msg) {
			select {
			case ch <- msg.Data:
			default:
			}
		})
	}
	return b.subs[topic]
}

func (b *NatsBus) Close() {
	b.nc.Close()
}
