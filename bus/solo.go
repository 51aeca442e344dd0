package stream

import (
	"sync"
)

// SoloBus is the single-process Bus used in tests and standalone mode.
type SoloBus struct {
	m    sync.Mutex
	subs map[string]chan []byte
}

func NewSolo() (Bus, error) {
	return &SoloBus{subs: make(map[string]chan []byte)}, nil
}

func (s *SoloBus) Send(topic string, v []byte) error {
	s.m.Lock()
	defer s.m.Unlock()

	if s.subs[topic] != nil {
		select {
		case s.subs[topic] <- v:
		default:
		}
	}
	return nil
}

func (s *SoloBus) Recv(topic string) chan []byte {
	s.m.Lock()
	defer s.m.Unlock()

	if s.subs[topic] == nil {
		s.subs[topic] = make(chan []byte, 16)
	}
	return s.subs[topic]
}

func (s *SoloBus) Close() {}
