package call

// Live WebM muxing of the remote party's media, so a UI shell without its own
// RTCPeerConnection can play the call through Media Source Extensions.
//
// The first message of every stream is the init segment (EBML header, Segment
// of unknown size, Info and Tracks); every later message is one Cluster.

import (
	"bytes"
	"encoding/binary"
	"math"
	"sync"
)

// ebmlVint encodes an element size as an EBML variable-length integer
// (1 to 4 bytes, up to 2^28-2).
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlUnknownSize marks a streamed Segment whose length is never known.
var ebmlUnknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

// ebmlUint encodes v big-endian in as few bytes as possible.
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlConcat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	b := make([]byte, 0, n)
	for _, p := range parts {
		b = append(b, p...)
	}
	return b
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

const (
	webmVideoTrack = 1
	webmAudioTrack = 2

	// maxQueuedAudio bounds audio waiting for a video frame (about 10s of
	// 20ms Opus frames); older frames are dropped first.
	maxQueuedAudio = 500
)

// opusHead is the OpusHead codec private block for mono 48 kHz Opus.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd',
	0x01,                   // version
	0x01,                   // channels
	0x38, 0x01,             // pre-skip 312, LE
	0x80, 0xBB, 0x00, 0x00, // 48000 Hz, LE
	0x00, 0x00,             // output gain
	0x00,                   // mapping family
}

// webmInitSegment builds the init segment for the tracks present. width and
// height are ignored when video is false.
func webmInitSegment(video, audio bool, width, height uint16) []byte {
	var buf bytes.Buffer

	buf.Write(ebmlElem(idEBML, ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)))

	buf.Write(idSegment)
	buf.Write(ebmlUnknownSize)

	buf.Write(ebmlElem(idInfo, ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)), // timecodes in ms
		ebmlElem(idMuxApp, []byte("lovelink")),
		ebmlElem(idWrtApp, []byte("lovelink")),
	)))

	var tracks []byte
	if video {
		entry := ebmlConcat(
			ebmlElem(idTrackNum, ebmlUint(webmVideoTrack)),
			ebmlElem(idTrackUID, ebmlUint(webmVideoTrack)),
			ebmlElem(idTrackType, ebmlUint(1)),
			ebmlElem(idCodecID, []byte("V_VP8")),
			ebmlElem(idVideo, ebmlConcat(
				ebmlElem(idPixelW, ebmlUint(uint64(width))),
				ebmlElem(idPixelH, ebmlUint(uint64(height))),
			)),
		)
		tracks = append(tracks, ebmlElem(idTrackEntry, entry)...)
	}
	if audio {
		freq := make([]byte, 4)
		binary.BigEndian.PutUint32(freq, math.Float32bits(48000.0))
		entry := ebmlConcat(
			ebmlElem(idTrackNum, ebmlUint(webmAudioTrack)),
			ebmlElem(idTrackUID, ebmlUint(webmAudioTrack)),
			ebmlElem(idTrackType, ebmlUint(2)),
			ebmlElem(idCodecID, []byte("A_OPUS")),
			ebmlElem(idCodecPrv, opusHead),
			ebmlElem(idAudio, ebmlConcat(
				ebmlElem(idSampFreq, freq),
				ebmlElem(idChannels, ebmlUint(1)),
			)),
		)
		tracks = append(tracks, ebmlElem(idTrackEntry, entry)...)
	}
	buf.Write(ebmlElem(idTracks, tracks))
	return buf.Bytes()
}

// webmCluster wraps pre-encoded SimpleBlocks in a Cluster starting at
// startMs. The size is explicit so MSE need not scan for the next cluster.
func webmCluster(startMs int64, blocks []byte) []byte {
	return ebmlElem(idCluster, ebmlConcat(ebmlElem(idTimecode, ebmlUint(uint64(startMs))), blocks))
}

// webmSimpleBlock encodes one frame. relMs is relative to the cluster start.
func webmSimpleBlock(track int, relMs int16, keyframe bool, data []byte) []byte {
	tv := ebmlVint(uint64(track))
	var flags byte
	if keyframe {
		flags = 0x80
	}
	content := make([]byte, len(tv)+3+len(data))
	copy(content, tv)
	binary.BigEndian.PutUint16(content[len(tv):], uint16(relMs))
	content[len(tv)+2] = flags
	copy(content[len(tv)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

// isVP8Keyframe reads the P bit of the VP8 frame tag.
func isVP8Keyframe(frame []byte) bool {
	return len(frame) > 0 && frame[0]&0x01 == 0
}

// vp8Dimensions reads width and height from a keyframe's start code block.
func vp8Dimensions(frame []byte) (w, h uint16, ok bool) {
	if len(frame) < 10 || frame[3] != 0x9D || frame[4] != 0x01 || frame[5] != 0x2A {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint16(frame[6:8]) & 0x3FFF, binary.LittleEndian.Uint16(frame[8:10]) & 0x3FFF, true
}

type webmAudioFrame struct {
	ms   int64
	data []byte
}

// webmMuxer turns depacketized remote frames into a live WebM stream fanned
// out to subscribers. Safe for concurrent use by one video and one audio
// reader.
type webmMuxer struct {
	tag   string
	video bool
	audio bool

	mu sync.Mutex

	initSeg []byte
	// lastKeyCluster is replayed to late subscribers so decoding starts from
	// a keyframe.
	lastKeyCluster []byte

	clusterOpen  bool
	clusterIsKey bool
	clusterStart int64
	blocks       bytes.Buffer

	audioQ []webmAudioFrame

	// RTP clocks start at random offsets; the first frame of each track is
	// rebased to zero.
	videoBase, audioBase       int64
	videoBaseSet, audioBaseSet bool

	subs map[chan []byte]struct{}
}

func newWebmMuxer(tag string, video, audio bool) *webmMuxer {
	return &webmMuxer{
		tag:   tag,
		video: video,
		audio: audio,
		subs:  make(map[chan []byte]struct{}),
	}
}

// subscribe returns a stream of WebM messages, starting with the init segment
// and last keyframe cluster when they already exist. Slow subscribers lose
// messages rather than stall the call.
func (w *webmMuxer) subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	w.mu.Lock()
	if w.initSeg != nil {
		ch <- w.initSeg
		if w.lastKeyCluster != nil {
			ch <- w.lastKeyCluster
		}
	}
	if w.subs == nil {
		close(ch)
		w.mu.Unlock()
		return ch, func() {}
	}
	w.subs[ch] = struct{}{}
	n := len(w.subs)
	w.mu.Unlock()
	log.Debugf("CALL [%s]: media subscriber added (total=%d)", w.tag, n)

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			if _, ok := w.subs[ch]; ok {
				delete(w.subs, ch)
				close(ch)
			}
			w.mu.Unlock()
		})
	}
}

// close ends every subscription. Frames after close are dropped.
func (w *webmMuxer) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.subs {
		close(ch)
	}
	w.subs = nil
}

func (w *webmMuxer) videoFrame(ms int64, keyframe bool, data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.video || w.subs == nil {
		return
	}

	if !w.videoBaseSet {
		w.videoBase, w.videoBaseSet = ms, true
	}
	ts := ms - w.videoBase

	if w.initSeg == nil {
		if !keyframe {
			return
		}
		width, height, ok := vp8Dimensions(data)
		if !ok {
			width, height = 640, 480
		}
		w.initSeg = webmInitSegment(true, w.audio, width, height)
		log.Infof("CALL [%s]: WebM init segment VP8 %dx%d audio=%v", w.tag, width, height, w.audio)
		w.broadcastLocked(w.initSeg)
	}

	if keyframe && w.clusterOpen {
		w.flushLocked()
	}
	if !w.clusterOpen {
		// Start at the earliest queued audio so its blocks get
		// non-negative offsets.
		w.clusterStart = ts
		if len(w.audioQ) > 0 && w.audioQ[0].ms < ts {
			w.clusterStart = w.audioQ[0].ms
		}
		w.clusterOpen = true
		w.clusterIsKey = keyframe
		w.blocks.Reset()
		for _, af := range w.audioQ {
			rel := af.ms - w.clusterStart
			if rel < -30000 || rel > 30000 {
				continue
			}
			w.blocks.Write(webmSimpleBlock(webmAudioTrack, int16(rel), false, af.data))
		}
		w.audioQ = w.audioQ[:0]
	}

	w.blocks.Write(webmSimpleBlock(webmVideoTrack, int16(ts-w.clusterStart), keyframe, data))
	w.flushLocked()
}

func (w *webmMuxer) audioFrame(ms int64, data []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.audio || w.subs == nil {
		return
	}

	if !w.audioBaseSet {
		w.audioBase, w.audioBaseSet = ms, true
	}
	ts := ms - w.audioBase

	if !w.video {
		// Audio-only: every frame is its own cluster.
		if w.initSeg == nil {
			w.initSeg = webmInitSegment(false, true, 0, 0)
			log.Infof("CALL [%s]: WebM init segment audio-only", w.tag)
			w.broadcastLocked(w.initSeg)
		}
		w.broadcastLocked(webmCluster(ts, webmSimpleBlock(webmAudioTrack, 0, true, data)))
		return
	}

	// Audio rides in the next video cluster.
	if len(w.audioQ) >= maxQueuedAudio {
		w.audioQ = w.audioQ[1:]
	}
	w.audioQ = append(w.audioQ, webmAudioFrame{ms: ts, data: append([]byte(nil), data...)})
}

// flushLocked emits the open cluster. w.mu must be held.
func (w *webmMuxer) flushLocked() {
	if !w.clusterOpen || w.blocks.Len() == 0 {
		w.clusterOpen = false
		return
	}
	cluster := webmCluster(w.clusterStart, w.blocks.Bytes())
	if w.clusterIsKey {
		w.lastKeyCluster = cluster
	}
	w.clusterOpen = false
	w.clusterIsKey = false
	w.blocks.Reset()
	w.broadcastLocked(cluster)
}

func (w *webmMuxer) broadcastLocked(msg []byte) {
	for ch := range w.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}
