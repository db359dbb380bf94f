// Package pushbroker is a minimal MQTT v3.1.1 broker (QoS 0 only) that the
// daemon can host in development so two simulated devices exchange pushes
// through one process without an external broker. Production deployments
// point the bridge at a real broker instead.
package pushbroker

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type peer struct {
	conn     net.Conn
	reader   *bufio.Reader
	writeMu  sync.Mutex
	subsMu   sync.Mutex
	subs     map[string]struct{}
	clientID string
	closed   atomic.Bool
}

func newPeer(conn net.Conn) *peer {
	return &peer{
		conn:   conn,
		reader: bufio.NewReader(conn),
		subs:   make(map[string]struct{}),
	}
}

func (p *peer) subscribedTo(topic string) bool {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for filter := range p.subs {
		if topicMatches(filter, topic) {
			return true
		}
	}
	return false
}

func (p *peer) addSubscription(filter string) {
	p.subsMu.Lock()
	p.subs[filter] = struct{}{}
	p.subsMu.Unlock()
}

func (p *peer) removeSubscription(filter string) {
	p.subsMu.Lock()
	delete(p.subs, filter)
	p.subsMu.Unlock()
}

func (p *peer) writePacket(packet []byte) error {
	if p.closed.Load() {
		return net.ErrClosed
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.conn.Write(packet)
	return err
}

// topicMatches evaluates an MQTT topic filter ('+' single level, '#'
// trailing multi level) against a concrete topic.
func topicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	fparts := strings.Split(filter, "/")
	tparts := strings.Split(topic, "/")
	for i, fp := range fparts {
		if fp == "#" {
			return i == len(fparts)-1
		}
		if i >= len(tparts) {
			return false
		}
		if fp != "+" && fp != tparts[i] {
			return false
		}
	}
	return len(fparts) == len(tparts)
}

// Broker relays QoS 0 publishes between connected peers.
type Broker struct {
	logger       *slog.Logger
	mu           sync.Mutex
	listener     net.Listener
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	peersMu sync.RWMutex
	peers   map[*peer]struct{}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger) *Broker {
	return &Broker{logger: logger, peers: make(map[*peer]struct{})}
}

// Start begins listening on the provided bind address. The returned channel
// is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)

	b.logger.Info("embedded push broker listening", "addr", bind)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					close(errCh)
					return
				}
				if ne, ok := err.(net.Error); ok && ne.Temporary() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				close(errCh)
				return
			}

			p := newPeer(conn)
			b.addPeer(p)

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.servePeer(p)
			}()
		}
	}()

	return errCh, nil
}

// Stop shuts down the broker and releases resources.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}

	b.mu.Lock()
	ln := b.listener
	b.listener = nil
	b.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	b.peersMu.Lock()
	for p := range b.peers {
		p.closed.Store(true)
		_ = p.conn.Close()
	}
	b.peers = make(map[*peer]struct{})
	b.peersMu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *Broker) addPeer(p *peer) {
	b.peersMu.Lock()
	b.peers[p] = struct{}{}
	b.peersMu.Unlock()
}

func (b *Broker) removePeer(p *peer) {
	b.peersMu.Lock()
	delete(b.peers, p)
	b.peersMu.Unlock()
}

func (b *Broker) servePeer(p *peer) {
	defer func() {
		p.closed.Store(true)
		b.removePeer(p)
		_ = p.conn.Close()
	}()

	for {
		header, err := p.reader.ReadByte()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				b.logger.Debug("read header error", "error", err)
			}
			return
		}

		remaining, err := readVarInt(p.reader)
		if err != nil {
			b.logger.Debug("read remaining length error", "error", err)
			return
		}

		payload := make([]byte, remaining)
		if _, err := io.ReadFull(p.reader, payload); err != nil {
			b.logger.Debug("read packet payload error", "error", err)
			return
		}

		packetType := header >> 4

		switch packetType {
		case 1: // CONNECT
			if err := b.handleConnect(p, payload); err != nil {
				b.logger.Debug("handle connect error", "error", err)
				return
			}
		case 3: // PUBLISH
			topic, body, err := parsePublish(header, payload)
			if err != nil {
				b.logger.Debug("parse publish error", "error", err)
				return
			}
			b.relay(topic, body, p)
		case 8: // SUBSCRIBE
			if err := b.handleSubscribe(p, payload); err != nil {
				b.logger.Debug("handle subscribe error", "error", err)
				return
			}
		case 10: // UNSUBSCRIBE
			if err := b.handleUnsubscribe(p, payload); err != nil {
				b.logger.Debug("handle unsubscribe error", "error", err)
				return
			}
		case 12: // PINGREQ
			if err := p.writePacket([]byte{0xD0, 0x00}); err != nil {
				b.logger.Debug("write pingresp error", "error", err)
				return
			}
		case 14: // DISCONNECT
			return
		default:
			b.logger.Debug("unsupported packet", "type", packetType)
			return
		}
	}
}

func (b *Broker) handleConnect(p *peer, payload []byte) error {
	rd := bytesReader(payload)

	protoName, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read protocol name: %w", err)
	}
	if protoName != "MQTT" {
		return fmt.Errorf("unsupported protocol %q", protoName)
	}

	level, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read protocol level: %w", err)
	}
	if level != 4 { // MQTT 3.1.1
		return fmt.Errorf("unsupported protocol level %d", level)
	}

	flags, err := rd.readByte()
	if err != nil {
		return fmt.Errorf("read connect flags: %w", err)
	}
	if flags&0xFC != 0 { // will/auth flags unsupported
		return fmt.Errorf("unsupported connect flags %08b", flags)
	}

	if _, err := rd.readUint16(); err != nil { // keep alive
		return fmt.Errorf("read keepalive: %w", err)
	}

	clientID, err := rd.readString()
	if err != nil {
		return fmt.Errorf("read client id: %w", err)
	}
	if clientID == "" {
		clientID = fmt.Sprintf("anon-%d", time.Now().UnixNano())
	}
	p.clientID = clientID

	if err := p.writePacket([]byte{0x20, 0x02, 0x00, 0x00}); err != nil {
		return fmt.Errorf("write connack: %w", err)
	}

	b.logger.Debug("peer connected", "client", clientID)
	return nil
}

func (b *Broker) handleSubscribe(p *peer, payload []byte) error {
	rd := bytesReader(payload)

	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}

	count := 0
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		if rd.remaining() == 0 {
			return fmt.Errorf("missing qos byte")
		}
		qos, err := rd.readByte()
		if err != nil {
			return fmt.Errorf("read qos: %w", err)
		}
		if qos != 0 {
			return fmt.Errorf("unsupported qos %d", qos)
		}
		p.addSubscription(filter)
		count++
	}

	packet, err := buildSubAck(packetID, count)
	if err != nil {
		return err
	}
	return p.writePacket(packet)
}

func (b *Broker) handleUnsubscribe(p *peer, payload []byte) error {
	rd := bytesReader(payload)
	packetID, err := rd.readUint16()
	if err != nil {
		return fmt.Errorf("read packet id: %w", err)
	}
	for rd.remaining() > 0 {
		filter, err := rd.readString()
		if err != nil {
			return fmt.Errorf("read topic filter: %w", err)
		}
		p.removeSubscription(filter)
	}

	packet := []byte{0xB0, 0x02, byte(packetID >> 8), byte(packetID & 0xFF)}
	return p.writePacket(packet)
}

func (b *Broker) relay(topic string, payload []byte, from *peer) {
	packet, err := buildPublishPacket(topic, payload)
	if err != nil {
		return
	}

	b.peersMu.RLock()
	defer b.peersMu.RUnlock()

	for p := range b.peers {
		if p == from {
			continue
		}
		if p.subscribedTo(topic) {
			if err := p.writePacket(packet); err != nil {
				b.logger.Debug("relay publish failed", "client", p.clientID, "error", err)
			}
		}
	}
}

func parsePublish(header byte, payload []byte) (string, []byte, error) {
	qos := (header >> 1) & 0x03
	if qos != 0 {
		return "", nil, fmt.Errorf("unsupported qos %d", qos)
	}

	rd := bytesReader(payload)
	topic, err := rd.readString()
	if err != nil {
		return "", nil, fmt.Errorf("read topic: %w", err)
	}

	if rd.remaining() == 0 {
		return topic, nil, nil
	}

	return topic, rd.readBytes(rd.remaining()), nil
}

func buildPublishPacket(topic string, payload []byte) ([]byte, error) {
	topicLen := len(topic)
	if topicLen > 65535 {
		return nil, fmt.Errorf("topic too long")
	}

	remaining := 2 + topicLen + len(payload)
	remainingBytes := encodeRemainingLength(remaining)

	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, 0x30)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(topicLen>>8), byte(topicLen&0xFF))
	packet = append(packet, topic...)
	packet = append(packet, payload...)
	return packet, nil
}

func buildSubAck(packetID uint16, topics int) ([]byte, error) {
	if topics <= 0 {
		return nil, fmt.Errorf("no topics to ack")
	}
	remaining := 2 + topics
	remainingBytes := encodeRemainingLength(remaining)
	packet := make([]byte, 0, 1+len(remainingBytes)+remaining)
	packet = append(packet, 0x90)
	packet = append(packet, remainingBytes...)
	packet = append(packet, byte(packetID>>8), byte(packetID&0xFF))
	for i := 0; i < topics; i++ {
		packet = append(packet, 0x00)
	}
	return packet, nil
}

type bytesReader []byte

func (b *bytesReader) readByte() (byte, error) {
	if len(*b) == 0 {
		return 0, io.EOF
	}
	v := (*b)[0]
	*b = (*b)[1:]
	return v, nil
}

func (b *bytesReader) readUint16() (uint16, error) {
	if len(*b) < 2 {
		return 0, io.EOF
	}
	v := uint16((*b)[0])<<8 | uint16((*b)[1])
	*b = (*b)[2:]
	return v, nil
}

func (b *bytesReader) readString() (string, error) {
	l, err := b.readUint16()
	if err != nil {
		return "", err
	}
	if len(*b) < int(l) {
		return "", io.ErrUnexpectedEOF
	}
	s := string((*b)[:l])
	*b = (*b)[l:]
	return s, nil
}

func (b *bytesReader) readBytes(n int) []byte {
	if len(*b) < n {
		n = len(*b)
	}
	out := make([]byte, n)
	copy(out, (*b)[:n])
	*b = (*b)[n:]
	return out
}

func (b *bytesReader) remaining() int {
	return len(*b)
}

func readVarInt(r *bufio.Reader) (int, error) {
	multiplier := 1
	value := 0
	for i := 0; i < 4; i++ {
		digit, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		value += int(digit&127) * multiplier
		if digit&128 == 0 {
			return value, nil
		}
		multiplier *= 128
	}
	return 0, fmt.Errorf("malformed remaining length")
}

func encodeRemainingLength(length int) []byte {
	if length < 0 {
		length = 0
	}

	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			break
		}
	}
	return encoded
}
