package sipbridge

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// MediaSession is the negotiated remote media endpoint of an established
// call.
type MediaSession struct {
	ToURI      string
	RemoteAddr string
	RTPPort    int
	// RTCPPort is 0 when the answer carried no a=rtcp attribute.
	RTCPPort int
	Codec    string
}

// EffectiveRTCPPort defaults to RTP+1 when the answer did not name one.
func (m MediaSession) EffectiveRTCPPort() int {
	if m.RTCPPort == 0 {
		return m.RTPPort + 1
	}
	return m.RTCPPort
}

// BuildOffer creates the INVITE SDP for profile.
func BuildOffer(p LocalProfile, sessionID uint64) ([]byte, error) {
	formats := make([]string, 0, len(p.AudioFormats))
	for _, f := range p.AudioFormats {
		formats = append(formats, strconv.Itoa(f.PayloadType))
	}
	if len(formats) == 0 {
		return nil, errors.New("no audio formats")
	}

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: p.Host(),
		},
		SessionName: "captionrelay",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: p.Host()},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: p.RTPPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: offerAttributes(p),
			},
		},
	}

	body, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal offer: %w", err)
	}
	return body, nil
}

func offerAttributes(p LocalProfile) []sdp.Attribute {
	attrs := make([]sdp.Attribute, 0, len(p.AudioFormats)+3)
	for _, f := range p.AudioFormats {
		attrs = append(attrs, sdp.Attribute{
			Key:   "rtpmap",
			Value: fmt.Sprintf("%d %s/%d", f.PayloadType, f.Name, f.ClockRate),
		})
	}
	attrs = append(attrs,
		sdp.Attribute{Key: "rtcp", Value: strconv.Itoa(p.RTCPPort)},
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)
	return attrs
}

// ParseAnswer extracts the remote audio endpoint from an SDP answer.
func ParseAnswer(body []byte) (*MediaSession, error) {
	desc := &sdp.SessionDescription{}
	if err := desc.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("parse SDP: %w", err)
	}

	var media *sdp.MediaDescription
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			media = md
			break
		}
	}
	if media == nil {
		return nil, errors.New("no audio media in SDP")
	}

	ms := &MediaSession{RTPPort: media.MediaName.Port.Value}
	if media.ConnectionInformation != nil && media.ConnectionInformation.Address != nil {
		ms.RemoteAddr = media.ConnectionInformation.Address.Address
	} else if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
		ms.RemoteAddr = desc.ConnectionInformation.Address.Address
	}
	if len(media.MediaName.Formats) > 0 {
		ms.Codec = media.MediaName.Formats[0]
	}
	if v, ok := media.Attribute("rtcp"); ok {
		// a=rtcp:<port> [IN IP4 <addr>]
		port, _, _ := strings.Cut(strings.TrimSpace(v), " ")
		if n, err := strconv.Atoi(port); err == nil {
			ms.RTCPPort = n
		}
	}
	return ms, nil
}
