package videoroom

import (
	"errors"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

var (
	errNoMedia   = errors.New("no usable media section")
	errNoCodec   = errors.New("no mutually supported codec")
	errBadRtpmap = errors.New("malformed rtpmap attribute")
	errNoSDP     = errors.New("empty SDP")
)

// staticPayloads covers the RTP/AVP static payload types we may see in
// offers that carry no rtpmap for them.
var staticPayloads = map[string]codecInfo{
	"0": {Name: "PCMU", ClockRate: 8000, Channels: 1},
	"3": {Name: "GSM", ClockRate: 8000, Channels: 1},
	"8": {Name: "PCMA", ClockRate: 8000, Channels: 1},
	"9": {Name: "G722", ClockRate: 8000, Channels: 1},
}

type codecInfo struct {
	Name      string
	ClockRate uint32
	Channels  uint16
}

// mediaInfo is what the plugin keeps of a negotiated media section: enough
// to mirror it to subscribers and to match trickle candidates against.
type mediaInfo struct {
	Kind      string // "audio" or "video"
	Payload   uint8
	Codec     codecInfo
	MID       string
	Direction string // direction offered by the remote side
}

// CodecPolicy decides which codecs the gateway accepts, per media kind.
// Selection walks the offer's format list in preference order and picks the
// first format that maps to an accepted codec, so the offerer's ordering
// wins among accepted entries.
type CodecPolicy struct {
	Audio []string
	Video []string
}

func DefaultCodecPolicy() CodecPolicy {
	return CodecPolicy{
		Audio: []string{"opus", "G722", "PCMA", "PCMU"},
		Video: []string{"VP8", "VP9", "H264"},
	}
}

func (p CodecPolicy) accepts(kind, codec string) bool {
	list := p.Audio
	if kind == "video" {
		list = p.Video
	}
	for _, c := range list {
		if strings.EqualFold(c, codec) {
			return true
		}
	}
	return false
}

// parseOffer validates raw syntactically and extracts one mediaInfo per
// accepted audio/video section.
func parseOffer(raw string, policy CodecPolicy) (*sdp.SessionDescription, []mediaInfo, error) {
	if raw == "" {
		return nil, nil, errNoSDP
	}
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil, nil, err
	}

	var medias []mediaInfo
	for _, m := range desc.MediaDescriptions {
		kind := m.MediaName.Media
		if kind != "audio" && kind != "video" {
			continue
		}
		info, err := selectCodec(m, kind, policy)
		if err != nil {
			if errors.Is(err, errNoCodec) {
				continue
			}
			return nil, nil, err
		}
		medias = append(medias, info)
	}
	if len(medias) == 0 {
		return nil, nil, errNoMedia
	}
	return &desc, medias, nil
}

func selectCodec(m *sdp.MediaDescription, kind string, policy CodecPolicy) (mediaInfo, error) {
	rtpmaps, err := rtpmapTable(m)
	if err != nil {
		return mediaInfo{}, err
	}

	for _, format := range m.MediaName.Formats {
		ci, ok := rtpmaps[format]
		if !ok {
			ci, ok = staticPayloads[format]
		}
		if !ok || !policy.accepts(kind, ci.Name) {
			continue
		}
		pt, err := strconv.ParseUint(format, 10, 8)
		if err != nil {
			continue
		}
		return mediaInfo{
			Kind:      kind,
			Payload:   uint8(pt),
			Codec:     ci,
			MID:       attrValue(m, "mid"),
			Direction: direction(m),
		}, nil
	}
	return mediaInfo{}, errNoCodec
}

// rtpmapTable maps payload type strings to codec info from a=rtpmap lines,
// e.g. "96 opus/48000/2".
func rtpmapTable(m *sdp.MediaDescription) (map[string]codecInfo, error) {
	out := make(map[string]codecInfo)
	for _, a := range m.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		payload, spec, ok := strings.Cut(a.Value, " ")
		if !ok {
			return nil, errBadRtpmap
		}
		parts := strings.Split(spec, "/")
		if len(parts) < 2 {
			return nil, errBadRtpmap
		}
		clock, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil, errBadRtpmap
		}
		ci := codecInfo{Name: parts[0], ClockRate: uint32(clock), Channels: 1}
		if len(parts) > 2 {
			if ch, err := strconv.ParseUint(parts[2], 10, 16); err == nil {
				ci.Channels = uint16(ch)
			}
		}
		out[payload] = ci
	}
	return out, nil
}

func attrValue(m *sdp.MediaDescription, key string) string {
	for _, a := range m.Attributes {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

func direction(m *sdp.MediaDescription) string {
	for _, a := range m.Attributes {
		switch a.Key {
		case "sendonly", "recvonly", "sendrecv", "inactive":
			return a.Key
		}
	}
	return "sendrecv"
}

// flip mirrors a direction for the answering side.
func flip(dir string) string {
	switch dir {
	case "sendonly":
		return "recvonly"
	case "recvonly":
		return "sendonly"
	default:
		return dir
	}
}

// buildDescription renders a session description carrying the negotiated
// media sections. Used both for answers back to publishers and for the
// re-offer sent to subscribers.
func buildDescription(sessionID uint64, medias []mediaInfo, answer bool) (string, error) {
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      sessionID,
			SessionVersion: sessionID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "0.0.0.0",
		},
		SessionName: "roomsig",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
		TimeDescriptions: []sdp.TimeDescription{{}},
	}

	for _, mi := range medias {
		pt := strconv.Itoa(int(mi.Payload))
		m := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   mi.Kind,
				Port:    sdp.RangedPort{Value: 9},
				Protos:  []string{"RTP", "AVP"},
				Formats: []string{pt},
			},
		}
		rtpmap := pt + " " + mi.Codec.Name + "/" + strconv.FormatUint(uint64(mi.Codec.ClockRate), 10)
		if mi.Codec.Channels > 1 {
			rtpmap += "/" + strconv.FormatUint(uint64(mi.Codec.Channels), 10)
		}
		m = m.WithValueAttribute("rtpmap", rtpmap)
		if mi.MID != "" {
			m = m.WithValueAttribute("mid", mi.MID)
		}
		dir := mi.Direction
		if answer {
			dir = flip(dir)
		}
		m = m.WithPropertyAttribute(dir)
		desc = desc.WithMedia(m)
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// parseAnswer only cares about syntactic validity of a subscriber's answer.
func parseAnswer(raw string) error {
	if raw == "" {
		return errNoSDP
	}
	var desc sdp.SessionDescription
	return desc.Unmarshal([]byte(raw))
}

// validCandidate performs a light syntactic check of a trickle ICE
// candidate line before it is buffered and forwarded to the engine.
func validCandidate(cand string) bool {
	cand = strings.TrimPrefix(cand, "candidate:")
	fields := strings.Fields(cand)
	if len(fields) < 8 {
		return false
	}
	// foundation component transport priority address port "typ" type
	if _, err := strconv.Atoi(fields[1]); err != nil {
		return false
	}
	if _, err := strconv.ParseUint(fields[3], 10, 64); err != nil {
		return false
	}
	if _, err := strconv.Atoi(fields[5]); err != nil {
		return false
	}
	return fields[6] == "typ"
}
