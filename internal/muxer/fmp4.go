package muxer

import (
	"log/slog"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"
)

const (
	fmp4VideoTrackID   = 1
	fmp4AudioTrackID   = 2
	fmp4VideoTimeScale = 90000
)

// scaleToTimescale converts a duration into track timescale units.
func scaleToTimescale(d time.Duration, timeScale uint32) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d) * int64(timeScale) / int64(time.Second)
}

type fmp4Sample struct {
	payload []byte
	dts     int64
	// duration used when no later sample arrives
	fallback uint32
}

type fmp4Track struct {
	id           uint32
	timeScale    uint32
	pending      *fmp4Sample
	lastDuration uint32
	sampleNum    uint32
}

// fmp4Writer stores MJPEG video and LPCM audio as a fragmented MP4 file with
// one fragment per sample. Each sample is held until the next one of the
// same track arrives so its duration is exact.
type fmp4Writer struct {
	sink           *fileSink
	layout         trackLayout
	logger         *slog.Logger
	videoTrack     *fmp4Track
	audioTrack     *fmp4Track
	initSent       bool
	sequenceNumber uint32
}

func newFMP4Writer(sink *fileSink, layout trackLayout, logger *slog.Logger) *fmp4Writer {
	w := &fmp4Writer{
		sink:   sink,
		layout: layout,
		logger: logger.With("container", "fmp4"),
		videoTrack: &fmp4Track{
			id:        fmp4VideoTrackID,
			timeScale: fmp4VideoTimeScale,
		},
		sequenceNumber: 1,
	}
	if layout.audio {
		w.audioTrack = &fmp4Track{
			id:        fmp4AudioTrackID,
			timeScale: uint32(layout.sampleRate),
		}
	}
	return w
}

func (w *fmp4Writer) WriteHeader() error {
	if w.initSent {
		return nil
	}

	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{
			{
				ID:        int(w.videoTrack.id),
				TimeScale: w.videoTrack.timeScale,
				Codec: &mp4.CodecMJPEG{
					Width:  w.layout.width,
					Height: w.layout.height,
				},
			},
		},
	}
	if w.audioTrack != nil {
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        int(w.audioTrack.id),
			TimeScale: w.audioTrack.timeScale,
			Codec: &mp4.CodecLPCM{
				LittleEndian: true,
				BitDepth:     w.layout.bitsPerSample,
				SampleRate:   w.layout.sampleRate,
				ChannelCount: w.layout.channels,
			},
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return errors.Wrap(err, "failed to marshal init segment")
	}
	initBytes := buf.Bytes()
	if _, err := w.sink.Write(initBytes); err != nil {
		return errors.Wrap(err, "failed to write init segment")
	}

	w.initSent = true
	w.logger.Info("fMP4 init segment written", "size", len(initBytes))
	return nil
}

func (w *fmp4Writer) WriteVideo(frame []byte, pts time.Duration) error {
	fallback := uint32(fmp4VideoTimeScale / w.layout.frameRate)
	return w.push(w.videoTrack, frame, pts, fallback)
}

func (w *fmp4Writer) WriteAudio(samples []byte, pts time.Duration) error {
	if w.audioTrack == nil {
		return errors.New("fMP4 audio track not configured")
	}
	fallback := uint32(len(samples) / w.layout.audioBytesPerFrame())
	return w.push(w.audioTrack, samples, pts, fallback)
}

func (w *fmp4Writer) push(track *fmp4Track, payload []byte, pts time.Duration, fallback uint32) error {
	if !w.initSent {
		return errors.New("init segment not written yet")
	}

	next := &fmp4Sample{
		payload:  payload,
		dts:      scaleToTimescale(pts, track.timeScale),
		fallback: fallback,
	}
	if prev := track.pending; prev != nil {
		duration := next.dts - prev.dts
		if duration <= 0 {
			duration = 1
		}
		if err := w.writeSample(track, prev, uint32(duration)); err != nil {
			return err
		}
	}
	track.pending = next
	return nil
}

func (w *fmp4Writer) writeSample(track *fmp4Track, s *fmp4Sample, duration uint32) error {
	part := &fmp4.Part{
		SequenceNumber: w.sequenceNumber,
		Tracks: []*fmp4.PartTrack{
			{
				ID:       int(track.id),
				BaseTime: uint64(s.dts),
				Samples: []*fmp4.Sample{
					{
						Duration: duration,
						Payload:  s.payload,
					},
				},
			},
		},
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return errors.Wrapf(err, "failed to marshal fragment for track %d", track.id)
	}
	if _, err := w.sink.Write(buf.Bytes()); err != nil {
		return errors.Wrapf(err, "failed to write fragment for track %d", track.id)
	}

	track.lastDuration = duration
	track.sampleNum++
	w.sequenceNumber++
	return nil
}

func (w *fmp4Writer) flushPending(track *fmp4Track) error {
	if track == nil || track.pending == nil {
		return nil
	}
	duration := track.pending.fallback
	if duration == 0 {
		duration = track.lastDuration
	}
	if duration == 0 {
		duration = 1
	}
	err := w.writeSample(track, track.pending, duration)
	track.pending = nil
	return err
}

func (w *fmp4Writer) Close() error {
	var err error
	if w.initSent {
		err = w.flushPending(w.videoTrack)
		if aerr := w.flushPending(w.audioTrack); err == nil {
			err = aerr
		}
	}

	audioSamples := uint32(0)
	if w.audioTrack != nil {
		audioSamples = w.audioTrack.sampleNum
	}
	w.logger.Info("fMP4 writer closed",
		"videoSamples", w.videoTrack.sampleNum,
		"audioSamples", audioSamples)

	if cerr := w.sink.Close(); err == nil {
		err = cerr
	}
	return err
}
