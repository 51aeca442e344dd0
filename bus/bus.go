package stream

// Bus fans committed changesets out to in-process listeners and, when
// backed by nats, to other nodes. Send never blocks on a slow consumer.
type Bus interface {
	Send(topic string, v []byte) error
	Recv(topic string) chan []byte
	Close()
}
