// Package muxertest reads recorded files back for tests.
package muxertest

import (
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/pkg/errors"
)

// Block is one stored Matroska block.
type Block struct {
	Track     uint64
	Timestamp time.Duration // cluster timecode plus block offset
	Size      int
}

// Matroska is the parsed content of a Matroska file.
type Matroska struct {
	DocType string
	Tracks  []webm.TrackEntry
	Blocks  []Block
}

// Times returns the stored timestamps of one track in file order.
func (m *Matroska) Times(track uint64) []time.Duration {
	var out []time.Duration
	for _, b := range m.Blocks {
		if b.Track == track {
			out = append(out, b.Timestamp)
		}
	}
	return out
}

// ReadMatroska parses the file at path with a 1 ms timecode scale.
func ReadMatroska(path string) (*Matroska, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var doc struct {
		Header  webm.EBMLHeader `ebml:"EBML"`
		Segment webm.Segment    `ebml:"Segment"`
	}
	if err := ebml.Unmarshal(f, &doc); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, errors.Wrap(err, "failed to parse matroska file")
	}

	m := &Matroska{
		DocType: doc.Header.DocType,
		Tracks:  doc.Segment.Tracks.TrackEntry,
	}
	for _, c := range doc.Segment.Cluster {
		for _, b := range c.SimpleBlock {
			size := 0
			for _, d := range b.Data {
				size += len(d)
			}
			ms := int64(c.Timecode) + int64(b.Timecode)
			m.Blocks = append(m.Blocks, Block{
				Track:     b.TrackNumber,
				Timestamp: time.Duration(ms) * time.Millisecond,
				Size:      size,
			})
		}
	}
	return m, nil
}

// ReadFMP4BaseTimes parses the fragments of a fragmented MP4 file and
// returns the base media decode time of every fragment, by track ID, in
// file order. Values are in track timescale units.
func ReadFMP4BaseTimes(path string) (map[int][]uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Skip ftyp and moov.
	offset := 0
	for offset+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[offset:]))
		if string(data[offset+4:offset+8]) == "moof" {
			break
		}
		if size < 8 {
			return nil, errors.Errorf("invalid box size %d at %d", size, offset)
		}
		offset += size
	}
	if offset >= len(data) {
		return map[int][]uint64{}, nil
	}

	var parts fmp4.Parts
	if err := parts.Unmarshal(data[offset:]); err != nil {
		return nil, errors.Wrap(err, "failed to parse fragments")
	}

	out := map[int][]uint64{}
	for _, p := range parts {
		for _, tr := range p.Tracks {
			out[tr.ID] = append(out[tr.ID], tr.BaseTime)
		}
	}
	return out, nil
}
