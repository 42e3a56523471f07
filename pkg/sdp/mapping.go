package sdp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"

	"rtcbridge-server/pkg/errors"
)

const sessionName = "WebRTC"

// placeholderPort is written into SIP-bound media descriptions until the
// relay allocates the real port.
const placeholderPort = 9999

var logger = logrus.StandardLogger()

// SetLogger replaces the package logger.
func SetLogger(l *logrus.Logger) {
	logger = l
}

// MediaCandidates holds the remote ICE material collected for one media kind.
// The candidate slices keep the highest priority candidate in first position.
type MediaCandidates struct {
	Ufrag string
	Pwd   string
	RTP   []*IceCandidate
	RTCP  []*IceCandidate
}

// Candidates groups the remote ICE material per media kind.
type Candidates struct {
	Audio *MediaCandidates
	Video *MediaCandidates
}

// LocalCandidates holds the locally synthesized ICE material for one media
// kind, pointing at relay-allocated ports.
type LocalCandidates struct {
	Ufrag string
	Pwd   string
	RTP   *IceCandidate
	RTCP  *IceCandidate
}

// SdesSet groups SDES crypto data per media kind.
type SdesSet struct {
	Audio *SdesData
	Video *SdesData
}

// Get returns the slot for the given media kind.
func (s *SdesSet) Get(media string) *SdesData {
	if s == nil {
		return nil
	}
	switch media {
	case "audio":
		return s.Audio
	case "video":
		return s.Video
	}
	return nil
}

// SsrcInfo describes one locally generated synchronization source.
type SsrcInfo struct {
	ID      uint32
	CName   string
	MSLabel string
	Label   string
}

// SsrcSet groups generated SSRC data per media kind.
type SsrcSet struct {
	Audio *SsrcInfo
	Video *SsrcInfo
}

func (s *SsrcSet) get(media string) *SsrcInfo {
	if s == nil {
		return nil
	}
	switch media {
	case "audio":
		return s.Audio
	case "video":
		return s.Video
	}
	return nil
}

// MediaConnection locates one active media stream within a peer description.
type MediaConnection struct {
	Index   int
	Port    int
	Address string
	Sdes    *SdesData
}

// Connections is the media-level summary of a SIP-side description: where
// each stream terminates and the m-line skeletons needed to answer it.
type Connections struct {
	Address string
	Audio   *MediaConnection
	Video   *MediaConnection
	MLines  []*sdp.MediaDescription
}

// Get returns the connection slot for the given media kind.
func (c *Connections) Get(media string) *MediaConnection {
	switch media {
	case "audio":
		return c.Audio
	case "video":
		return c.Video
	}
	return nil
}

// ConnectionAddress returns the effective address for the given media kind,
// preferring the media-level one.
func (c *Connections) ConnectionAddress(media string) string {
	if mc := c.Get(media); mc != nil && mc.Address != "" {
		return mc.Address
	}
	return c.Address
}

// IsWebRTCSDP reports whether the description can be exchanged between the
// endpoints without relay interworking. Direct passthrough is disabled, so
// every call goes through the relay.
func IsWebRTCSDP(raw string) bool {
	return false
}

// ParseWebRTCSDP parses a description received from a browser endpoint,
// stamps the session name and originator address and verifies that an audio
// stream is present.
func ParseWebRTCSDP(raw string, clientAddress string) (*sdp.SessionDescription, error) {
	desc, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	desc.SessionName = sdp.SessionName(sessionName)
	if clientAddress != "" {
		desc.Origin.UnicastAddress = clientAddress
	}

	hasAudio := false
	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			hasAudio = true
			break
		}
	}
	if !hasAudio {
		return nil, errors.Wrap(errors.ErrMissingAudio, "description has no audio stream")
	}
	return desc, nil
}

// CleanupWebRTCSDP prepares a browser description for the SIP side: the
// connection line moves to the session level, the transport profile becomes
// RTP/SAVP, ports are reset to a placeholder and the WebRTC-only attributes
// are stripped. ICE candidates that are not usable from the relay (non-UDP,
// or host candidates for an address other than the signaling peer's) are
// dropped.
func CleanupWebRTCSDP(desc *sdp.SessionDescription, clientAddress string) error {
	desc.ConnectionInformation = Connection(clientAddress)

	for _, m := range desc.MediaDescriptions {
		if !IsAudioVideo(m) {
			continue
		}

		m.MediaName.Port = sdp.RangedPort{Value: placeholderPort}
		SetMediaProto(m, ProtoSAVP)
		m.ConnectionInformation = nil

		var parseErr error
		m.Attributes = FilterAttributes(m.Attributes, func(a sdp.Attribute) bool {
			switch a.Key {
			case "candidate":
				c, err := ParseCandidate(a.Value)
				if err != nil {
					parseErr = err
					return false
				}
				if c.Transport != "udp" {
					return false
				}
				if c.Type == "host" && c.Address != clientAddress {
					return false
				}
			case "mid", "rtcp", "rtcp-mux":
				return false
			}
			return true
		})
		if parseErr != nil {
			return parseErr
		}
	}
	return nil
}

// CleanupSIPSDP strips the ICE and transport attributes a SIP-side
// description must not carry, and removes the key lifetime parameter from
// crypto attributes since browsers reject it.
func CleanupSIPSDP(desc *sdp.SessionDescription) {
	desc.Attributes = FilterAttributes(desc.Attributes, func(a sdp.Attribute) bool {
		switch a.Key {
		case "ice-ufrag", "ice-pwd", "ice-options", "key-mgmt":
			return false
		}
		return true
	})

	for _, m := range desc.MediaDescriptions {
		if !IsAudioVideo(m) || m.MediaName.Port.Value == 0 {
			continue
		}

		kept := m.Attributes[:0]
		for _, a := range m.Attributes {
			switch a.Key {
			case "candidate", "ice-ufrag", "ice-pwd", "ice-options",
				"ice-mismatch", "rtcp", "rtcp-mux", "key-mgmt":
				continue
			case "crypto":
				a.Value = strings.Replace(a.Value, "|2^20", "", 1)
			}
			kept = append(kept, a)
		}
		m.Attributes = kept
	}
}

// GetCandidates collects the remote ICE candidates per media kind. Session
// level ice-ufrag/ice-pwd serve as fallback for media descriptions that do
// not carry their own. A media kind without complete ICE credentials is left
// out of the result.
func GetCandidates(desc *sdp.SessionDescription) (*Candidates, error) {
	sessionUfrag, _ := AttributeValue(desc.Attributes, "ice-ufrag")
	sessionPwd, _ := AttributeValue(desc.Attributes, "ice-pwd")

	result := &Candidates{}
	slot := func(media string) **MediaCandidates {
		if media == "audio" {
			return &result.Audio
		}
		return &result.Video
	}

	for _, m := range desc.MediaDescriptions {
		if !IsAudioVideo(m) {
			continue
		}

		dst := slot(m.MediaName.Media)
		if *dst != nil && len((*dst).RTP) > 0 {
			// Already collected candidates from a different m-line
			continue
		}

		mc := &MediaCandidates{}
		for _, a := range m.Attributes {
			switch a.Key {
			case "ice-ufrag":
				mc.Ufrag = a.Value
			case "ice-pwd":
				mc.Pwd = a.Value
			case "candidate":
				c, err := ParseCandidate(a.Value)
				if err != nil {
					return nil, err
				}
				list := &mc.RTCP
				if c.IsRTP() {
					list = &mc.RTP
				}
				if len(*list) > 0 && c.Priority > (*list)[0].Priority {
					*list = append([]*IceCandidate{c}, *list...)
				} else {
					*list = append(*list, c)
				}
			}
		}

		if mc.Ufrag == "" {
			mc.Ufrag = sessionUfrag
		}
		if mc.Pwd == "" {
			mc.Pwd = sessionPwd
		}

		if mc.Ufrag == "" || mc.Pwd == "" {
			logger.WithField("media", m.MediaName.Media).
				Warn("Missing ICE credentials, ignoring media candidates")
			*dst = nil
			continue
		}
		*dst = mc
	}
	return result, nil
}

var ssrcIDRe = regexp.MustCompile(`^(\d+) `)

// sdesForMediaDescription extracts the SDES data of a secure audio/video
// media description, or nil when none is usable. Only the default crypto
// suite is accepted. The SSRC from the same description is attached when
// present.
func sdesForMediaDescription(m *sdp.MediaDescription) *SdesData {
	if !IsAudioVideo(m) {
		return nil
	}
	proto := MediaProto(m)
	if proto != ProtoSAVP && proto != ProtoSAVPF {
		return nil
	}

	var sdes *SdesData
	var ssrcID string
	for _, a := range m.Attributes {
		switch a.Key {
		case "crypto":
			parsed, err := ParseSdes(a.Value)
			if err != nil {
				logger.WithError(err).Debug("Ignoring unparseable crypto attribute")
				continue
			}
			if parsed.CryptoSuite == SuiteAesCm128HmacSha1_80 {
				sdes = parsed
			}
		case "ssrc":
			if tmp := ssrcIDRe.FindStringSubmatch(a.Value); tmp != nil {
				ssrcID = tmp[1]
			}
		}
	}

	if sdes != nil && ssrcID != "" {
		if id, err := strconv.ParseUint(ssrcID, 10, 32); err == nil {
			sdes.SSRC = uint32(id)
		}
	}
	return sdes
}

// GetSdesData collects the SDES crypto data per media kind, taking the first
// media description of each kind that carries usable data.
func GetSdesData(desc *sdp.SessionDescription) *SdesSet {
	result := &SdesSet{}
	for _, m := range desc.MediaDescriptions {
		switch m.MediaName.Media {
		case "audio":
			if result.Audio == nil {
				result.Audio = sdesForMediaDescription(m)
			}
		case "video":
			if result.Video == nil {
				result.Video = sdesForMediaDescription(m)
			}
		}
	}
	return result
}

// GetConnections summarizes where each media stream of a SIP-side
// description terminates. Rejected streams (port 0), non-audio/video media
// and secure descriptions without SDES keys are skipped but still
// represented in the m-line skeletons used to build the answer.
func GetConnections(desc *sdp.SessionDescription) (*Connections, error) {
	if desc.ConnectionInformation == nil || desc.ConnectionInformation.Address == nil {
		return nil, errors.Wrap(errors.ErrInvalidSDP, "description is missing session-level connection line")
	}

	conn := &Connections{Address: desc.ConnectionInformation.Address.Address}

	for idx, m := range desc.MediaDescriptions {
		skeleton := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  m.MediaName.Media,
				Port:   sdp.RangedPort{Value: 0},
				Protos: append([]string(nil), m.MediaName.Protos...),
			},
		}
		if len(m.MediaName.Formats) > 0 {
			skeleton.MediaName.Formats = m.MediaName.Formats[:1]
		}
		conn.MLines = append(conn.MLines, skeleton)

		if m.MediaName.Port.Value == 0 || !IsAudioVideo(m) {
			continue
		}
		if MediaProto(m) == ProtoSAVP && !hasSdes(m) {
			continue
		}

		existing := conn.Get(m.MediaName.Media)
		if existing != nil && existing.Sdes != nil {
			// Already found the secure m-line
			continue
		}

		mc := &MediaConnection{
			Index: idx,
			Port:  m.MediaName.Port.Value,
			Sdes:  sdesForMediaDescription(m),
		}
		if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
			mc.Address = m.ConnectionInformation.Address.Address
		}

		if conn.Address == "" && mc.Address == "" {
			logger.WithField("media", m.MediaName.Media).
				Error("No connection address for media description")
			mc = nil
		}

		switch m.MediaName.Media {
		case "audio":
			conn.Audio = mc
		case "video":
			conn.Video = mc
		}
	}
	return conn, nil
}

func hasSdes(m *sdp.MediaDescription) bool {
	if MediaProto(m) != ProtoSAVP {
		return false
	}
	_, ok := AttributeValue(m.Attributes, "crypto")
	return ok
}

// Chrome reserves dynamic payload types 98 and 99 for comfort noise. Any
// other codec negotiated on those numbers breaks its decoder, so conflicting
// mappings are removed from audio descriptions.
var reservedCodecs = map[int]struct {
	name  string
	clock int
}{
	98: {"CN", 16000},
	99: {"CN", 32000},
}

var rtpmapRe = regexp.MustCompile(`^(\d+)\s+(\S+)/(\d+)`)
var fmtpRe = regexp.MustCompile(`^(\d+)\s`)

// FilterReservedCodecs removes audio codecs that conflict with payload types
// hardcoded in Chrome, along with their fmtp attributes and m-line formats.
func FilterReservedCodecs(m *sdp.MediaDescription) {
	if m.MediaName.Media != "audio" {
		return
	}

	removed := map[string]bool{}
	m.Attributes = FilterAttributes(m.Attributes, func(a sdp.Attribute) bool {
		if a.Key != "rtpmap" {
			return true
		}
		tmp := rtpmapRe.FindStringSubmatch(a.Value)
		if tmp == nil {
			return true
		}
		pt, _ := strconv.Atoi(tmp[1])
		if pt < 96 {
			return true
		}
		reserved, ok := reservedCodecs[pt]
		if !ok {
			return true
		}
		clock, _ := strconv.Atoi(tmp[3])
		if tmp[2] != reserved.name || clock != reserved.clock {
			logger.WithFields(logrus.Fields{
				"payload_type": pt,
				"codec":        tmp[2],
				"clock":        clock,
			}).Debug("Removing codec conflicting with reserved payload type")
			removed[tmp[1]] = true
			return false
		}
		return true
	})

	if len(removed) == 0 {
		return
	}

	m.MediaName.Formats = filterStrings(m.MediaName.Formats, func(f string) bool {
		return !removed[f]
	})
	m.Attributes = FilterAttributes(m.Attributes, func(a sdp.Attribute) bool {
		if a.Key != "fmtp" {
			return true
		}
		tmp := fmtpRe.FindStringSubmatch(a.Value)
		return tmp == nil || !removed[tmp[1]]
	})
}

func filterStrings(in []string, keep func(string) bool) []string {
	out := in[:0]
	for _, s := range in {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// BuildWebRTCSDP rewrites a SIP-side description into the form a browser
// expects: SAVPF transport, local ICE candidates pointing at relay ports,
// fresh SDES keys and generated SSRC lines. Only the audio m-line (and the
// video one, when the connection summary has video) survive.
func BuildWebRTCSDP(desc *sdp.SessionDescription, conn *Connections, audio, video *LocalCandidates, sdes *SdesSet, ssrc *SsrcSet) (string, error) {
	if conn == nil || conn.Audio == nil {
		return "", errors.Wrap(errors.ErrMissingAudio, "connection summary has no audio stream")
	}
	if audio == nil || audio.RTP == nil || audio.RTCP == nil {
		return "", errors.Wrap(errors.ErrMissingCandidates, "no local audio candidates")
	}
	if conn.Video != nil && (video == nil || video.RTP == nil || video.RTCP == nil) {
		return "", errors.Wrap(errors.ErrMissingCandidates, "no local video candidates")
	}

	local := func(media string) *LocalCandidates {
		if media == "audio" {
			return audio
		}
		return video
	}

	modify := func(m *sdp.MediaDescription) {
		FilterReservedCodecs(m)

		lc := local(m.MediaName.Media)
		m.MediaName.Port = sdp.RangedPort{Value: lc.RTP.Port}
		SetMediaProto(m, ProtoSAVPF)
		m.ConnectionInformation = Connection(lc.RTP.Address)

		if s := sdes.Get(m.MediaName.Media); s != nil {
			m.Attributes = FilterAttributes(m.Attributes, func(a sdp.Attribute) bool {
				return a.Key != "crypto"
			})
			m.Attributes = append(m.Attributes, s.Attribute())
		}

		PrependAttributes(m,
			sdp.Attribute{Key: "ice-ufrag", Value: lc.Ufrag},
			sdp.Attribute{Key: "ice-pwd", Value: lc.Pwd},
			sdp.Attribute{Key: "rtcp", Value: fmt.Sprintf("%d IN IP4 %s", lc.RTCP.Port, lc.RTCP.Address)},
			lc.RTP.Attribute(),
			lc.RTCP.Attribute(),
		)

		if info := ssrc.get(m.MediaName.Media); info != nil {
			id := strconv.FormatUint(uint64(info.ID), 10)
			m.Attributes = append(m.Attributes,
				sdp.Attribute{Key: "ssrc", Value: id + " cname:" + info.CName},
				sdp.Attribute{Key: "ssrc", Value: id + " mslabel:" + info.MSLabel},
				sdp.Attribute{Key: "ssrc", Value: id + " label:" + info.Label},
			)
		}

		m.Attributes = append(m.Attributes, sdp.Attribute{Key: "mid", Value: m.MediaName.Media})
	}

	desc.ConnectionInformation = nil
	desc.Attributes = nil

	audioDesc := desc.MediaDescriptions[conn.Audio.Index]
	modify(audioDesc)

	media := []*sdp.MediaDescription{audioDesc}
	if conn.Video != nil {
		videoDesc := desc.MediaDescriptions[conn.Video.Index]
		modify(videoDesc)
		media = append(media, videoDesc)
	}
	desc.MediaDescriptions = media

	return Marshal(desc)
}

// BuildSIPSDPOffer renders a cleaned-up browser description as a SIP-side
// offer. Each secure m-line gets the relay address and port, plus a plain
// RTP/AVP companion m-line carrying only the codec and direction attributes.
// With removeSecure set the secure m-line itself is dropped so the relay
// always performs SRTP interworking.
func BuildSIPSDPOffer(desc *sdp.SessionDescription, address string, audioPort, videoPort int, removeSecure bool) (string, error) {
	if address == "" || audioPort == 0 {
		return "", errors.New("relay address and audio port are required")
	}

	id := uint64(RandomID())
	desc.Origin.SessionID = id
	desc.Origin.SessionVersion = id
	desc.ConnectionInformation = Connection(address)

	var media []*sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		switch m.MediaName.Media {
		case "audio":
			m.MediaName.Port = sdp.RangedPort{Value: audioPort}
		case "video":
			m.MediaName.Port = sdp.RangedPort{Value: videoPort}
		}

		if !removeSecure {
			media = append(media, m)
		}
		if !IsAudioVideo(m) {
			continue
		}

		avp := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   m.MediaName.Media,
				Port:    m.MediaName.Port,
				Protos:  strings.Split(ProtoAVP, "/"),
				Formats: append([]string(nil), m.MediaName.Formats...),
			},
		}
		for _, a := range m.Attributes {
			switch a.Key {
			case "rtpmap", "fmtp", "sendrecv", "sendonly", "recvonly", "inactive":
				avp.Attributes = append(avp.Attributes, a)
			}
		}
		media = append(media, avp)
	}
	desc.MediaDescriptions = media

	return Marshal(desc)
}

// BuildSIPSDPAnswer renders a cleaned-up browser answer against the m-line
// layout of the SIP-side offer: accepted streams take the offered transport
// profile and relay port, every other offered m-line is answered with port
// zero.
func BuildSIPSDPAnswer(desc *sdp.SessionDescription, conn *Connections) (string, error) {
	if conn == nil || conn.Audio == nil {
		return "", errors.Wrap(errors.ErrMissingAudio, "connection summary has no audio stream")
	}
	if len(desc.MediaDescriptions) == 0 {
		return "", errors.Wrap(errors.ErrMissingAudio, "answer has no media descriptions")
	}

	update := func(m *sdp.MediaDescription) {
		secure := MediaProto(m) == ProtoSAVP
		m.Attributes = FilterAttributes(m.Attributes, func(a sdp.Attribute) bool {
			switch a.Key {
			case "candidate", "ice-ufrag", "ice-pwd", "ice-options":
				return false
			case "crypto", "ssrc":
				return secure
			}
			return true
		})
	}

	id := uint64(RandomID())
	desc.Origin.SessionID = id
	desc.Origin.SessionVersion = id
	desc.ConnectionInformation = Connection(conn.Address)

	mLines := make([]*sdp.MediaDescription, len(conn.MLines))
	copy(mLines, conn.MLines)

	audio := desc.MediaDescriptions[0]
	audio.MediaName.Port = sdp.RangedPort{Value: conn.Audio.Port}
	audio.MediaName.Protos = mLines[conn.Audio.Index].MediaName.Protos
	update(audio)
	mLines[conn.Audio.Index] = audio

	if len(desc.MediaDescriptions) > 1 && conn.Video != nil && conn.Video.Port > 0 {
		video := desc.MediaDescriptions[1]
		video.MediaName.Port = sdp.RangedPort{Value: conn.Video.Port}
		video.MediaName.Protos = mLines[conn.Video.Index].MediaName.Protos
		update(video)
		mLines[conn.Video.Index] = video
	}
	desc.MediaDescriptions = mLines

	return Marshal(desc)
}

// RestoreWebRTCSDP turns a SIP-side answer back into browser form: the
// plain RTP/AVP companion m-lines are dropped and the surviving streams get
// SAVPF transport, the remote candidate addresses and the rtcp-mux, rtcp and
// mid attributes browsers expect.
func RestoreWebRTCSDP(desc *sdp.SessionDescription) (string, error) {
	desc.ConnectionInformation = nil

	candidates, err := GetCandidates(desc)
	if err != nil {
		return "", err
	}

	var media []*sdp.MediaDescription
	for _, m := range desc.MediaDescriptions {
		switch m.MediaName.Media {
		case "audio":
			if MediaProto(m) == ProtoAVP {
				continue
			}
			restoreMediaDescription(m, candidates.Audio)
		case "video":
			if MediaProto(m) == ProtoAVP {
				continue
			}
			restoreMediaDescription(m, candidates.Video)
		}
		media = append(media, m)
	}
	desc.MediaDescriptions = media

	return Marshal(desc)
}

func restoreMediaDescription(m *sdp.MediaDescription, mc *MediaCandidates) {
	rtpPort, rtpAddress := 1, "0.0.0.0"
	rtcpPort, rtcpAddress := 1, "0.0.0.0"
	if mc != nil && len(mc.RTP) > 0 {
		rtpPort, rtpAddress = mc.RTP[0].Port, mc.RTP[0].Address
	}
	if mc != nil && len(mc.RTCP) > 0 {
		rtcpPort, rtcpAddress = mc.RTCP[0].Port, mc.RTCP[0].Address
	}

	m.MediaName.Port = sdp.RangedPort{Value: rtpPort}
	SetMediaProto(m, ProtoSAVPF)
	m.ConnectionInformation = Connection(rtpAddress)

	PrependAttributes(m,
		sdp.Attribute{Key: "rtcp-mux"},
		sdp.Attribute{Key: "rtcp", Value: fmt.Sprintf("%d IN IP4 %s", rtcpPort, rtcpAddress)},
	)
	m.Attributes = append(m.Attributes, sdp.Attribute{Key: "mid", Value: m.MediaName.Media})
}
