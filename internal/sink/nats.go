package sink

import (
	"fmt"
	"strconv"

	"github.com/nats-io/nats.go"

	"NetSpectraRx/internal/config"
	"NetSpectraRx/internal/factory"
	"NetSpectraRx/internal/model"
)

// Header keys carried on every published aggregate.
const (
	HeaderInterface  = "Rx-Interface"
	HeaderContext    = "Rx-Context"
	HeaderGSOType    = "Rx-Gso-Type"
	HeaderGSOSegs    = "Rx-Gso-Segs"
	HeaderGSOSize    = "Rx-Gso-Size"
	HeaderChecksum   = "Rx-Csum"
	HeaderCsumStart  = "Rx-Csum-Start"
	HeaderCsumOffset = "Rx-Csum-Offset"
)

func init() {
	factory.RegisterSink("nats", func(cfg *config.Config) (model.Sink, error) {
		return NewNATS(cfg.Sink.NATS)
	})
}

type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATS publishes every delivered buffer as one message. The payload is the
// IPv4 datagram including the fragment chain; segmentation and checksum
// metadata travel in the headers.
type NATS struct {
	nc      *nats.Conn
	pub     msgPublisher
	subject string
}

// NewNATS connects to the configured server.
func NewNATS(cfg config.NATSConfig) (*NATS, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("netspectra-rx"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.URL, err)
	}
	log.Infof("Connected to NATS server at %s", cfg.URL)
	return &NATS{nc: nc, pub: nc, subject: cfg.Subject}, nil
}

// Deliver publishes buf and releases it. On error buf is left to the caller.
func (s *NATS) Deliver(buf *model.Buffer) error {
	if err := s.pub.PublishMsg(EncodeMsg(s.subject, buf)); err != nil {
		return err
	}
	buf.Release()
	return nil
}

// Close drains and closes the NATS connection.
func (s *NATS) Close() error {
	if s.nc == nil {
		return nil
	}
	err := s.nc.Drain()
	log.Info("NATS connection drained and closed.")
	return err
}

// EncodeMsg builds the message for buf. The payload is a copy.
func EncodeMsg(subject string, buf *model.Buffer) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Data = buf.Bytes()
	m.Header.Set(HeaderInterface, strconv.Itoa(int(buf.InterfaceID)))
	m.Header.Set(HeaderContext, strconv.Itoa(int(buf.ContextID)))
	m.Header.Set(HeaderChecksum, checksumName(buf.Checksum))
	if buf.GSOType != model.GSONone {
		m.Header.Set(HeaderGSOType, buf.GSOType.String())
		m.Header.Set(HeaderGSOSegs, strconv.Itoa(int(buf.GSOSegs)))
		m.Header.Set(HeaderGSOSize, strconv.Itoa(int(buf.GSOSize)))
	}
	if buf.Checksum == model.ChecksumPartial {
		m.Header.Set(HeaderCsumStart, strconv.Itoa(int(buf.CsumStart)))
		m.Header.Set(HeaderCsumOffset, strconv.Itoa(int(buf.CsumOffset)))
	}
	return m
}

// Aggregate is the consumer view of a published message.
type Aggregate struct {
	Data        []byte
	InterfaceID uint8
	ContextID   uint8
	GSOType     string
	GSOSegs     uint16
	GSOSize     uint16
	Checksum    string
	CsumStart   uint16
	CsumOffset  uint16
}

// DecodeMsg is the inverse of EncodeMsg.
func DecodeMsg(m *nats.Msg) (Aggregate, error) {
	a := Aggregate{
		Data:     m.Data,
		GSOType:  model.GSONone.String(),
		Checksum: m.Header.Get(HeaderChecksum),
	}
	var err error
	if a.InterfaceID, err = headerUint8(m, HeaderInterface); err != nil {
		return a, err
	}
	if a.ContextID, err = headerUint8(m, HeaderContext); err != nil {
		return a, err
	}
	if t := m.Header.Get(HeaderGSOType); t != "" {
		a.GSOType = t
		if a.GSOSegs, err = headerUint16(m, HeaderGSOSegs); err != nil {
			return a, err
		}
		if a.GSOSize, err = headerUint16(m, HeaderGSOSize); err != nil {
			return a, err
		}
	}
	if m.Header.Get(HeaderCsumStart) != "" {
		if a.CsumStart, err = headerUint16(m, HeaderCsumStart); err != nil {
			return a, err
		}
		if a.CsumOffset, err = headerUint16(m, HeaderCsumOffset); err != nil {
			return a, err
		}
	}
	return a, nil
}

func headerUint8(m *nats.Msg, key string) (uint8, error) {
	v, err := strconv.ParseUint(m.Header.Get(key), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("bad %s header: %w", key, err)
	}
	return uint8(v), nil
}

func headerUint16(m *nats.Msg, key string) (uint16, error) {
	v, err := strconv.ParseUint(m.Header.Get(key), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("bad %s header: %w", key, err)
	}
	return uint16(v), nil
}

func checksumName(c model.ChecksumMode) string {
	switch c {
	case model.ChecksumUnnecessary:
		return "unnecessary"
	case model.ChecksumPartial:
		return "partial"
	default:
		return "none"
	}
}

// AggregateHandler processes one decoded message.
type AggregateHandler func(a Aggregate)

// Subscriber reads aggregates published by a NATS sink.
type Subscriber struct {
	nc      *nats.Conn
	sub     *nats.Subscription
	subject string
}

// NewSubscriber connects to the configured server.
func NewSubscriber(cfg config.NATSConfig) (*Subscriber, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, err
	}
	log.Infof("Connected to NATS server at %s", cfg.URL)
	return &Subscriber{nc: nc, subject: cfg.Subject}, nil
}

// Start subscribes and hands every decodable message to handler.
func (s *Subscriber) Start(handler AggregateHandler) error {
	sub, err := s.nc.Subscribe(s.subject, func(m *nats.Msg) {
		a, err := DecodeMsg(m)
		if err != nil {
			log.WithError(err).Warn("Dropping malformed aggregate message")
			return
		}
		handler(a)
	})
	if err != nil {
		return err
	}
	s.sub = sub
	log.Infof("Subscribed to '%s'. Waiting for messages...", s.subject)
	return nil
}

// Close unsubscribes and closes the NATS connection.
func (s *Subscriber) Close() {
	if s.sub != nil {
		s.sub.Unsubscribe()
	}
	if s.nc != nil {
		s.nc.Close()
		log.Info("NATS connection closed.")
	}
}
