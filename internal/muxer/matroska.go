package muxer

import (
	"bytes"
	"log/slog"
	"math"
	"time"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pkg/errors"
)

const (
	matroskaVideoTrack = 1
	matroskaAudioTrack = 2

	// One millisecond per timecode tick.
	matroskaTimecodeScale = 1000000
	// A new cluster starts after this span or when a block offset would not
	// fit the signed 16 bit block timecode.
	matroskaClusterSpan = 5000
)

type matroskaInfo struct {
	TimecodeScale uint64 `ebml:"TimecodeScale"`
	MuxingApp     string `ebml:"MuxingApp"`
	WritingApp    string `ebml:"WritingApp"`
}

type matroskaAudio struct {
	SamplingFrequency float64 `ebml:"SamplingFrequency"`
	Channels          uint64  `ebml:"Channels"`
	BitDepth          uint64  `ebml:"BitDepth"`
}

type matroskaTrackEntry struct {
	Name            string         `ebml:"Name,omitempty"`
	TrackNumber     uint64         `ebml:"TrackNumber"`
	TrackUID        uint64         `ebml:"TrackUID"`
	CodecID         string         `ebml:"CodecID"`
	TrackType       uint64         `ebml:"TrackType"`
	DefaultDuration uint64         `ebml:"DefaultDuration,omitempty"`
	Video           *webm.Video    `ebml:"Video,omitempty"`
	Audio           *matroskaAudio `ebml:"Audio,omitempty"`
}

type matroskaHeader struct {
	Header  webm.EBMLHeader `ebml:"EBML"`
	Segment struct {
		Info   matroskaInfo `ebml:"Info"`
		Tracks struct {
			TrackEntry []matroskaTrackEntry `ebml:"TrackEntry"`
		} `ebml:"Tracks"`
	} `ebml:"Segment,size=unknown"`
}

type matroskaCluster struct {
	Cluster struct {
		Timecode uint64 `ebml:"Timecode"`
	} `ebml:"Cluster,size=unknown"`
}

type matroskaSimpleBlock struct {
	Block ebml.Block `ebml:"SimpleBlock"`
}

// matroskaWriter stores MJPEG video and PCM audio in a Matroska file. The
// segment and its clusters have unknown size, so every block is written as
// soon as it arrives. Timecodes are milliseconds from session start.
type matroskaWriter struct {
	sink        *fileSink
	layout      trackLayout
	logger      *slog.Logger
	initialized bool

	clusterOpen bool
	clusterTC   int64
	clusters    int
	blocks      [3]int
	lastPTS     [3]time.Duration
}

func newMatroskaWriter(sink *fileSink, layout trackLayout, logger *slog.Logger) *matroskaWriter {
	return &matroskaWriter{
		sink:   sink,
		layout: layout,
		logger: logger.With("container", "matroska"),
	}
}

func (m *matroskaWriter) WriteHeader() error {
	if m.initialized {
		return nil
	}

	var h matroskaHeader
	h.Header = webm.EBMLHeader{
		EBMLVersion:        1,
		EBMLReadVersion:    1,
		EBMLMaxIDLength:    4,
		EBMLMaxSizeLength:  8,
		DocType:            "matroska",
		DocTypeVersion:     4,
		DocTypeReadVersion: 2,
	}
	h.Segment.Info = matroskaInfo{
		TimecodeScale: matroskaTimecodeScale,
		MuxingApp:     "gbox-rec",
		WritingApp:    "gbox-rec",
	}

	tracks := []matroskaTrackEntry{
		{
			Name:            "Video",
			TrackNumber:     matroskaVideoTrack,
			TrackUID:        matroskaVideoTrack,
			CodecID:         "V_MJPEG",
			TrackType:       1,
			DefaultDuration: uint64(time.Second.Nanoseconds() / int64(m.layout.frameRate)),
			Video: &webm.Video{
				PixelWidth:  uint64(m.layout.width),
				PixelHeight: uint64(m.layout.height),
			},
		},
	}
	if m.layout.audio {
		// Chunk length is up to the caller, so no DefaultDuration.
		tracks = append(tracks, matroskaTrackEntry{
			Name:        "Audio",
			TrackNumber: matroskaAudioTrack,
			TrackUID:    matroskaAudioTrack,
			CodecID:     "A_PCM/INT/LIT",
			TrackType:   2,
			Audio: &matroskaAudio{
				SamplingFrequency: float64(m.layout.sampleRate),
				Channels:          uint64(m.layout.channels),
				BitDepth:          uint64(m.layout.bitsPerSample),
			},
		})
	}
	h.Segment.Tracks.TrackEntry = tracks

	if err := m.marshal(&h); err != nil {
		m.logger.Error("Failed to write Matroska header", "error", err)
		return errors.Wrap(err, "failed to write matroska header")
	}
	m.initialized = true
	m.logger.Info("Matroska container initialized", "width", m.layout.width, "height", m.layout.height, "audio", m.layout.audio)
	return nil
}

func (m *matroskaWriter) WriteVideo(frame []byte, pts time.Duration) error {
	if err := m.writeBlock(matroskaVideoTrack, frame, pts); err != nil {
		return errors.Wrap(err, "failed to write video block")
	}
	return nil
}

func (m *matroskaWriter) WriteAudio(samples []byte, pts time.Duration) error {
	if !m.layout.audio {
		return errors.New("matroska audio track not configured")
	}
	if err := m.writeBlock(matroskaAudioTrack, samples, pts); err != nil {
		return errors.Wrap(err, "failed to write audio block")
	}
	return nil
}

func (m *matroskaWriter) writeBlock(track uint64, data []byte, pts time.Duration) error {
	if !m.initialized {
		return errors.New("matroska writer not initialized")
	}
	if pts < 0 {
		return errors.Errorf("negative timestamp %s", pts)
	}

	tc := pts.Milliseconds()
	offset := tc - m.clusterTC
	if !m.clusterOpen || offset >= matroskaClusterSpan || offset < math.MinInt16 {
		var c matroskaCluster
		c.Cluster.Timecode = uint64(tc)
		if err := m.marshal(&c); err != nil {
			return err
		}
		m.clusterOpen = true
		m.clusterTC = tc
		m.clusters++
		offset = 0
	}

	b := matroskaSimpleBlock{
		Block: ebml.Block{
			TrackNumber: track,
			Timecode:    int16(offset),
			Keyframe:    true,
			Data:        [][]byte{data},
		},
	}
	if err := m.marshal(&b); err != nil {
		return err
	}
	m.blocks[track]++
	m.lastPTS[track] = pts
	return nil
}

// marshal encodes v in memory and writes it with a single call, so a failed
// write never leaves half an element behind a successful one.
func (m *matroskaWriter) marshal(v interface{}) error {
	var buf bytes.Buffer
	if err := ebml.Marshal(v, &buf); err != nil {
		return errors.Wrap(err, "failed to marshal element")
	}
	_, err := m.sink.Write(buf.Bytes())
	return err
}

func (m *matroskaWriter) Close() error {
	m.logger.Info("Finalizing Matroska container",
		"clusters", m.clusters,
		"video_blocks", m.blocks[matroskaVideoTrack],
		"audio_blocks", m.blocks[matroskaAudioTrack],
		"video_timestamp", m.lastPTS[matroskaVideoTrack].Truncate(time.Millisecond),
		"audio_timestamp", m.lastPTS[matroskaAudioTrack].Truncate(time.Millisecond))

	m.initialized = false
	return m.sink.Close()
}
