package media

import (
	"time"

	"github.com/zaf/g711"
)

// Codec is an RTP audio format.
type Codec struct {
	Name        string
	PayloadType uint8
	SampleRate  uint32
	FrameDur    time.Duration
}

var (
	// CodecPCMU is G.711 µ-law.
	CodecPCMU = Codec{"PCMU", 0, 8000, 20 * time.Millisecond}
	// CodecPCMA is G.711 A-law.
	CodecPCMA = Codec{"PCMA", 8, 8000, 20 * time.Millisecond}
)

// CodecByPayloadType maps an answered payload type to a codec this package
// can generate. GSM and unknown types are not generated.
func CodecByPayloadType(pt int) (Codec, bool) {
	switch pt {
	case int(CodecPCMU.PayloadType):
		return CodecPCMU, true
	case int(CodecPCMA.PayloadType):
		return CodecPCMA, true
	default:
		return Codec{}, false
	}
}

// SamplesPerFrame is 160 for 8 kHz 20 ms frames.
func (c Codec) SamplesPerFrame() int {
	return int(c.SampleRate) * int(c.FrameDur) / int(time.Second)
}

// TimestampIncrement is the RTP clock advance per frame.
func (c Codec) TimestampIncrement() uint32 {
	return uint32(c.SamplesPerFrame())
}

// SilenceFrame returns one encoded frame of digital silence.
func (c Codec) SilenceFrame() []byte {
	pcm := make([]byte, c.SamplesPerFrame()*2) // 16-bit LE zero samples
	if c.PayloadType == CodecPCMA.PayloadType {
		return g711.EncodeAlaw(pcm)
	}
	return g711.EncodeUlaw(pcm)
}
