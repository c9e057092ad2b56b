package rtp

import (
	"fmt"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// PacketClass класс пакета на транспорте, где RTP и RTCP мультиплексированы (RFC 5761)
type PacketClass int

const (
	PacketUnknown PacketClass = iota
	PacketRTP
	PacketRTCP
)

func (c PacketClass) String() string {
	switch c {
	case PacketRTP:
		return "rtp"
	case PacketRTCP:
		return "rtcp"
	default:
		return "unknown"
	}
}

// Ограничения размера пакета
const (
	MinRTPPacketSize = 12
	MaxRTPPacketSize = DefaultBufferSize
)

// ClassifyPacket определяет, является ли пакет RTP или RTCP.
// Согласно RFC 5761 второй байт RTCP пакета лежит в диапазоне 192..223,
// что не пересекается с payload type RTP с маркером и без.
func ClassifyPacket(buf []byte) PacketClass {
	if len(buf) < 4 || buf[0]>>6 != 2 {
		return PacketUnknown
	}

	if buf[1] >= 192 && buf[1] <= 223 {
		var h rtcp.Header
		if err := h.Unmarshal(buf); err != nil {
			return PacketUnknown
		}
		return PacketRTCP
	}

	if len(buf) < MinRTPPacketSize {
		return PacketUnknown
	}
	return PacketRTP
}

// RTPHeaderInfo основные поля RTP заголовка, нужные для маршрутизации
type RTPHeaderInfo struct {
	SSRC           uint32
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	PayloadSize    int
}

// ParseRTPHeader разбирает RTP пакет (SRTP пакет имеет открытый заголовок)
func ParseRTPHeader(buf []byte) (RTPHeaderInfo, error) {
	if len(buf) > MaxRTPPacketSize {
		return RTPHeaderInfo{}, fmt.Errorf("пакет слишком велик: %d байт (максимум %d)", len(buf), MaxRTPPacketSize)
	}
	if ClassifyPacket(buf) != PacketRTP {
		return RTPHeaderInfo{}, fmt.Errorf("пакет не является RTP")
	}

	packet := &rtp.Packet{}
	if err := packet.Unmarshal(buf); err != nil {
		return RTPHeaderInfo{}, fmt.Errorf("ошибка демаршалинга RTP пакета: %w", err)
	}
	return RTPHeaderInfo{
		SSRC:           packet.SSRC,
		PayloadType:    packet.PayloadType,
		SequenceNumber: packet.SequenceNumber,
		Timestamp:      packet.Timestamp,
		PayloadSize:    len(packet.Payload),
	}, nil
}
