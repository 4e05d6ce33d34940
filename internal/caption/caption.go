// Package caption extracts CEA-608 and CEA-708 closed captions from
// H.264 SEI payloads riding in video access units, decodes the selected
// channel, and releases caption samples to the controller as the video
// clock passes their timestamps.
package caption

import (
	"sort"

	"github.com/zsiec/ccx"

	"github.com/zsiec/refract/internal/media"
)

// NotifyKind discriminates caption decoder notifications.
type NotifyKind int

const (
	// NotifyData carries one caption sample ready for display.
	NotifyData NotifyKind = iota
	// NotifyTrackAdded fires when a caption channel is first observed.
	NotifyTrackAdded
)

// Notification is one asynchronous event from the caption decoder.
type Notification struct {
	Kind NotifyKind
	Text *media.TimedText
}

// maxChannels covers CEA-608 channels 1-4 and CEA-708 services mapped
// above them, matching the unified channel numbering of the extractor.
const maxChannels = 10

// Decoder scans video access units for caption data. It is driven
// entirely from the controller goroutine: Decode on every fed video
// unit, Display as the rendered position advances.
type Decoder struct {
	notify func(Notification)

	cea608    map[int]*ccx.CEA608Decoder
	cea708    map[int]*ccx.CEA708Service
	dtvccBuf  []byte
	seen      []int // channels observed, in discovery order
	selected  int   // selected channel, -1 when none
	pending   []*media.TimedText
}

// NewDecoder creates a caption decoder posting into notify.
func NewDecoder(notify func(Notification)) *Decoder {
	return &Decoder{
		notify: notify,
		cea608: map[int]*ccx.CEA608Decoder{
			1: ccx.NewCEA608Decoder(),
			2: ccx.NewCEA608Decoder(),
			3: ccx.NewCEA608Decoder(),
			4: ccx.NewCEA608Decoder(),
		},
		cea708: map[int]*ccx.CEA708Service{
			1: ccx.NewCEA708Service(),
			2: ccx.NewCEA708Service(),
		},
		selected: -1,
	}
}

// TrackCount returns the number of caption tracks discovered so far.
func (d *Decoder) TrackCount() int { return len(d.seen) }

// TrackInfo describes the caption track at the given caption-local
// index.
func (d *Decoder) TrackInfo(index int) media.TrackInfo {
	if index < 0 || index >= len(d.seen) {
		return media.TrackInfo{}
	}
	return media.TrackInfo{
		Type:     media.TrackTypeSubtitle,
		Mime:     "text/cea-608",
		Language: "und",
	}
}

// IsSelected reports whether any caption track is selected.
func (d *Decoder) IsSelected() bool { return d.selected >= 0 }

// SelectedTrack returns the caption-local index of the selected track,
// or -1.
func (d *Decoder) SelectedTrack() int {
	for i, ch := range d.seen {
		if ch == d.selected {
			return i
		}
	}
	return -1
}

// SelectTrack selects or deselects the caption track at the given
// caption-local index.
func (d *Decoder) SelectTrack(index int, selected bool) error {
	if index < 0 || index >= len(d.seen) {
		return media.ErrInvalidOperation
	}
	if selected {
		d.selected = d.seen[index]
	} else {
		if d.selected != d.seen[index] {
			return media.ErrInvalidOperation
		}
		d.selected = -1
		d.pending = nil
	}
	return nil
}

// Decode scans one video access unit for caption SEI payloads.
func (d *Decoder) Decode(au *media.AccessUnit) {
	for _, nalu := range media.SplitNALUs(au.Data) {
		if len(nalu) < 2 || int(nalu[0]&0x1F) != media.NALTypeSEI {
			continue
		}
		d.decodeSEI(nalu[1:], au.TimeUs)
	}
}

func (d *Decoder) decodeSEI(sei []byte, timeUs int64) {
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return
	}

	for _, pair := range cd.CC608Pairs {
		ch := pair.Channel
		d.observeChannel(ch)

		dec := d.cea608[ch]
		if dec == nil {
			continue
		}
		text := dec.Decode(pair.Data[0], pair.Data[1])
		if text == "" || ch != d.selected {
			continue
		}
		d.queue(&media.TimedText{
			TimeUs:     timeUs,
			DurationUs: 0,
			Data:       []byte(text),
			Mime:       "text/cea-608",
		})
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			d.drainDTVCC(timeUs)
			d.dtvccBuf = d.dtvccBuf[:0]
		}
		d.dtvccBuf = append(d.dtvccBuf, t.Data[0], t.Data[1])
	}
}

func (d *Decoder) drainDTVCC(timeUs int64) {
	if len(d.dtvccBuf) < 1 {
		return
	}
	packetSize := ccx.DTVCCPacketSize(d.dtvccBuf[0])
	if len(d.dtvccBuf) < packetSize {
		return
	}

	for _, block := range ccx.ParseDTVCCPacket(d.dtvccBuf[:packetSize]) {
		svc := d.cea708[block.ServiceNum]
		if svc == nil {
			continue
		}
		if !svc.ProcessBlock(block.Data) {
			continue
		}
		channel := block.ServiceNum + 6
		d.observeChannel(channel)
		text := svc.DisplayText()
		if text == "" || channel != d.selected {
			continue
		}
		d.queue(&media.TimedText{
			TimeUs: timeUs,
			Data:   []byte(text),
			Mime:   "text/cea-708",
		})
	}
	d.dtvccBuf = d.dtvccBuf[packetSize:]
}

func (d *Decoder) observeChannel(ch int) {
	if ch < 1 || ch > maxChannels {
		return
	}
	for _, s := range d.seen {
		if s == ch {
			return
		}
	}
	d.seen = append(d.seen, ch)
	d.notify(Notification{Kind: NotifyTrackAdded})
}

func (d *Decoder) queue(text *media.TimedText) {
	text.TrackIndex = d.SelectedTrack()
	d.pending = append(d.pending, text)
	sort.SliceStable(d.pending, func(i, j int) bool {
		return d.pending[i].TimeUs < d.pending[j].TimeUs
	})
}

// Display releases every pending caption sample whose timestamp has been
// reached by the rendered video position.
func (d *Decoder) Display(mediaTimeUs int64) {
	if d.selected < 0 {
		return
	}
	released := 0
	for _, text := range d.pending {
		if text.TimeUs > mediaTimeUs {
			break
		}
		d.notify(Notification{Kind: NotifyData, Text: text})
		released++
	}
	d.pending = d.pending[released:]
}

// Flush drops all pending caption samples, for seek and discontinuity
// handling.
func (d *Decoder) Flush() {
	d.pending = nil
	d.dtvccBuf = d.dtvccBuf[:0]
}
