package ua

import (
	"time"

	"braces.dev/errtrace"
	"github.com/pion/sdp/v3"
)

// The signaling engine does not negotiate media. It produces minimal but
// well-formed session descriptions so hold/resume can be signaled; the
// media stack, an external collaborator, rewrites them.

const sdpContentType = "application/sdp"

type mediaDirection string

const (
	directionSendRecv mediaDirection = "sendrecv"
	directionSendOnly mediaDirection = "sendonly"
)

// buildSessionDescription renders an audio session description with the
// given direction attribute. Hold is signaled with a=sendonly, active
// audio with a=sendrecv (RFC 3264 section 8.4).
func buildSessionDescription(addr string, port int, dir mediaDirection) ([]byte, error) {
	sessID := uint64(time.Now().Unix())
	sd := sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessID,
			SessionVersion: sessID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: addr,
		},
		SessionName: "-",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: addr},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: port},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0", "8", "101"},
				},
				Attributes: []sdp.Attribute{
					sdp.NewPropertyAttribute("rtpmap:0 PCMU/8000"),
					sdp.NewPropertyAttribute("rtpmap:8 PCMA/8000"),
					sdp.NewPropertyAttribute("rtpmap:101 telephone-event/8000"),
					sdp.NewPropertyAttribute(string(dir)),
				},
			},
		},
	}
	body, err := sd.Marshal()
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	return body, nil
}

// sessionOnHold reports whether the offered session description places
// the media on hold.
func sessionOnHold(body []byte) bool {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return false
	}
	has := func(attrs []sdp.Attribute, key string) bool {
		for _, a := range attrs {
			if a.Key == key {
				return true
			}
		}
		return false
	}
	if has(sd.Attributes, "sendonly") || has(sd.Attributes, "inactive") {
		return true
	}
	for _, md := range sd.MediaDescriptions {
		if has(md.Attributes, "sendonly") || has(md.Attributes, "inactive") {
			return true
		}
	}
	return false
}
