package dht

import (
	"encoding/binary"
	"fmt"
)

// MessageType enumerates the wire message kinds, matching the byte
// values in the external interfaces' wire format table.
type MessageType uint16

const (
	MsgGet       MessageType = 1
	MsgPut       MessageType = 2
	MsgResult    MessageType = 3
	MsgDiscovery MessageType = 4
	MsgAskHello  MessageType = 5
)

func (t MessageType) String() string {
	switch t {
	case MsgGet:
		return "GET"
	case MsgPut:
		return "PUT"
	case MsgResult:
		return "RESULT"
	case MsgDiscovery:
		return "DISCOVERY"
	case MsgAskHello:
		return "ASK_HELLO"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// ADVCap is the maximum number of peer identities advertised in a
// single DISCOVERY message (ADV_CAP in the spec).
const ADVCap = 8

// headerLen is the fixed-width prefix common to every message: size,
// type, content_type, hop_count, network_size_hint.
const headerLen = 2 + 2 + 4 + 4 + 4

// Message is the decoded form of a DHT_MESSAGE. Only the fields
// relevant to Type are meaningful; GET/PUT/RESULT use Key/Bloom
// (and Payload for PUT/RESULT), DISCOVERY uses SpaceAvailable/Peers,
// and ASK_HELLO uses AskPeer.
type Message struct {
	Type            MessageType
	ContentType     uint32
	HopCount        uint32
	NetworkSizeHint uint32

	Key   Key
	Bloom *bloomFilter

	Payload []byte

	SpaceAvailable uint32
	Peers          []PeerID

	AskPeer PeerID
}

func putHeader(buf []byte, m *Message, size int) {
	binary.BigEndian.PutUint16(buf[0:2], uint16(size))
	binary.BigEndian.PutUint16(buf[2:4], uint16(m.Type))
	binary.BigEndian.PutUint32(buf[4:8], m.ContentType)
	binary.BigEndian.PutUint32(buf[8:12], m.HopCount)
	binary.BigEndian.PutUint32(buf[12:16], m.NetworkSizeHint)
}

// EncodeMessage serializes m to its wire representation. bloomSize is
// the configured BLOOM_SIZE (BLOOM_SIZE bytes are written verbatim for
// GET/PUT/RESULT; DISCOVERY and ASK_HELLO carry no bloom field).
func EncodeMessage(m *Message, bloomSize int) ([]byte, error) {
	switch m.Type {
	case MsgGet:
		bloom := encodeBloom(m.Bloom, bloomSize)
		size := headerLen + IDLen + bloomSize
		buf := make([]byte, size)
		putHeader(buf, m, size)
		copy(buf[headerLen:headerLen+IDLen], m.Key[:])
		copy(buf[headerLen+IDLen:], bloom)
		return buf, nil

	case MsgPut, MsgResult:
		bloom := encodeBloom(m.Bloom, bloomSize)
		size := headerLen + IDLen + bloomSize + len(m.Payload)
		buf := make([]byte, size)
		putHeader(buf, m, size)
		copy(buf[headerLen:headerLen+IDLen], m.Key[:])
		copy(buf[headerLen+IDLen:headerLen+IDLen+bloomSize], bloom)
		copy(buf[headerLen+IDLen+bloomSize:], m.Payload)
		return buf, nil

	case MsgDiscovery:
		if len(m.Peers) > ADVCap {
			return nil, fmt.Errorf("dht: discovery carries %d peers, max %d: %w", len(m.Peers), ADVCap, ErrMalformedMessage)
		}
		size := headerLen + 4 + len(m.Peers)*IDLen
		buf := make([]byte, size)
		putHeader(buf, m, size)
		binary.BigEndian.PutUint32(buf[headerLen:headerLen+4], m.SpaceAvailable)
		off := headerLen + 4
		for _, p := range m.Peers {
			copy(buf[off:off+IDLen], p[:])
			off += IDLen
		}
		return buf, nil

	case MsgAskHello:
		size := headerLen + IDLen
		buf := make([]byte, size)
		putHeader(buf, m, size)
		copy(buf[headerLen:headerLen+IDLen], m.AskPeer[:])
		return buf, nil

	default:
		return nil, fmt.Errorf("dht: unknown message type %d: %w", m.Type, ErrMalformedMessage)
	}
}

func encodeBloom(b *bloomFilter, bloomSize int) []byte {
	if b == nil {
		return make([]byte, bloomSize)
	}
	out := make([]byte, bloomSize)
	copy(out, b.Bytes())
	return out
}

// DecodeMessage parses raw into a Message, validating the declared
// size against the actual length and per-type structural rules (spec
// section 4.1's size bounds and parse rules, and section 7's
// MalformedMessage kind). bloomK is the configured BLOOM_K, needed to
// reconstruct a usable bloomFilter from the raw bytes.
func DecodeMessage(raw []byte, bloomSize, bloomK int) (*Message, error) {
	if len(raw) < headerLen {
		return nil, fmt.Errorf("dht: message shorter than header: %w", ErrMalformedMessage)
	}
	size := binary.BigEndian.Uint16(raw[0:2])
	if int(size) != len(raw) {
		return nil, fmt.Errorf("dht: declared size %d != actual %d: %w", size, len(raw), ErrMalformedMessage)
	}
	m := &Message{
		Type:            MessageType(binary.BigEndian.Uint16(raw[2:4])),
		ContentType:     binary.BigEndian.Uint32(raw[4:8]),
		HopCount:        binary.BigEndian.Uint32(raw[8:12]),
		NetworkSizeHint: binary.BigEndian.Uint32(raw[12:16]),
	}

	switch m.Type {
	case MsgGet:
		want := headerLen + IDLen + bloomSize
		if len(raw) != want {
			return nil, fmt.Errorf("dht: GET length %d != expected %d: %w", len(raw), want, ErrMalformedMessage)
		}
		copy(m.Key[:], raw[headerLen:headerLen+IDLen])
		m.Bloom = bloomFromBytes(raw[headerLen+IDLen:headerLen+IDLen+bloomSize], bloomK)
		return m, nil

	case MsgPut, MsgResult:
		min := headerLen + IDLen + bloomSize
		if len(raw) < min {
			return nil, fmt.Errorf("dht: %s length %d < minimum %d: %w", m.Type, len(raw), min, ErrMalformedMessage)
		}
		copy(m.Key[:], raw[headerLen:headerLen+IDLen])
		m.Bloom = bloomFromBytes(raw[headerLen+IDLen:headerLen+IDLen+bloomSize], bloomK)
		payload := raw[headerLen+IDLen+bloomSize:]
		m.Payload = append([]byte(nil), payload...)
		return m, nil

	case MsgDiscovery:
		if len(raw) < headerLen+4 {
			return nil, fmt.Errorf("dht: DISCOVERY shorter than space_available field: %w", ErrMalformedMessage)
		}
		m.SpaceAvailable = binary.BigEndian.Uint32(raw[headerLen : headerLen+4])
		rest := raw[headerLen+4:]
		if len(rest)%IDLen != 0 {
			return nil, fmt.Errorf("dht: DISCOVERY peer payload not a multiple of peer-id size: %w", ErrMalformedMessage)
		}
		pc := len(rest) / IDLen
		if pc > ADVCap*8 {
			return nil, fmt.Errorf("dht: DISCOVERY carries %d peers, rejecting (cap %d): %w", pc, ADVCap*8, ErrMalformedMessage)
		}
		m.Peers = make([]PeerID, pc)
		for i := 0; i < pc; i++ {
			copy(m.Peers[i][:], rest[i*IDLen:(i+1)*IDLen])
		}
		return m, nil

	case MsgAskHello:
		want := headerLen + IDLen
		if len(raw) != want {
			return nil, fmt.Errorf("dht: ASK_HELLO length %d != expected %d: %w", len(raw), want, ErrMalformedMessage)
		}
		copy(m.AskPeer[:], raw[headerLen:headerLen+IDLen])
		return m, nil

	default:
		return nil, fmt.Errorf("dht: unknown message type %d: %w", m.Type, ErrMalformedMessage)
	}
}
