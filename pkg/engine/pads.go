package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Шаблоны пэдов элемента сессии (rtpbin)
const (
	TemplateRecvRTPSink  = "recv_rtp_sink_%u"
	TemplateRecvRTCPSink = "recv_rtcp_sink_%u"
	TemplateSendRTCPSrc  = "send_rtcp_src_%u"
	TemplateSendRTPSink  = "send_rtp_sink_%u"

	// Динамические пэды, о которых сообщает OnPadAdded
	PrefixRecvRTPSrc = "recv_rtp_src_"
	PrefixSendRTPSrc = "send_rtp_src_"
)

// PadName подставляет номер слота в шаблон пэда
func PadName(template string, slot int) string {
	return strings.Replace(template, "%u", strconv.Itoa(slot), 1)
}

// RecvSourceName имя динамического пэда нового входящего источника
func RecvSourceName(slot int, ssrc uint32, pt uint8) string {
	return fmt.Sprintf("%s%d_%d_%d", PrefixRecvRTPSrc, slot, ssrc, pt)
}

// SendSourceName имя пэда, выводящего исходящий поток слота на транспорт
func SendSourceName(slot int) string {
	return fmt.Sprintf("%s%d", PrefixSendRTPSrc, slot)
}

// ParseRecvSourceName разбирает имя "recv_rtp_src_<slot>_<ssrc>_<pt>"
func ParseRecvSourceName(name string) (slot int, ssrc uint32, pt uint8, ok bool) {
	if !strings.HasPrefix(name, PrefixRecvRTPSrc) {
		return 0, 0, 0, false
	}
	parts := strings.Split(strings.TrimPrefix(name, PrefixRecvRTPSrc), "_")
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	s, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, 0, false
	}
	v, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	p, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return 0, 0, 0, false
	}
	return s, uint32(v), uint8(p), true
}

// ParseSendSourceName разбирает имя "send_rtp_src_<slot>"
func ParseSendSourceName(name string) (int, bool) {
	if !strings.HasPrefix(name, PrefixSendRTPSrc) {
		return 0, false
	}
	slot, err := strconv.Atoi(strings.TrimPrefix(name, PrefixSendRTPSrc))
	if err != nil {
		return 0, false
	}
	return slot, true
}
