package caption

import (
	"testing"

	"github.com/zsiec/refract/internal/media"
)

func collector() (func(Notification), *[]Notification) {
	var got []Notification
	return func(n Notification) { got = append(got, n) }, &got
}

func TestNoCaptionsNoNotifications(t *testing.T) {
	t.Parallel()

	notify, got := collector()
	d := NewDecoder(notify)

	// A plain slice NAL carries no SEI; nothing should be observed.
	d.Decode(&media.AccessUnit{Data: []byte{0x00, 0x00, 0x01, 0x65, 0x88}, TimeUs: 0})
	if len(*got) != 0 {
		t.Fatalf("notifications = %d, want 0", len(*got))
	}
	if d.TrackCount() != 0 {
		t.Fatalf("track count = %d, want 0", d.TrackCount())
	}
}

func TestTrackDiscoveryAndSelection(t *testing.T) {
	t.Parallel()

	notify, got := collector()
	d := NewDecoder(notify)

	d.observeChannel(1)
	d.observeChannel(2)
	d.observeChannel(1) // repeated observation is not a new track

	if d.TrackCount() != 2 {
		t.Fatalf("track count = %d, want 2", d.TrackCount())
	}
	added := 0
	for _, n := range *got {
		if n.Kind == NotifyTrackAdded {
			added++
		}
	}
	if added != 2 {
		t.Fatalf("track-added notifications = %d, want 2", added)
	}

	if d.IsSelected() {
		t.Fatal("no track should be selected initially")
	}
	if err := d.SelectTrack(1, true); err != nil {
		t.Fatalf("select: %v", err)
	}
	if !d.IsSelected() || d.SelectedTrack() != 1 {
		t.Fatalf("selected track = %d, want 1", d.SelectedTrack())
	}

	// Deselecting a track that is not selected is rejected.
	if err := d.SelectTrack(0, false); err == nil {
		t.Fatal("deselecting an unselected track should fail")
	}
	if err := d.SelectTrack(1, false); err != nil {
		t.Fatalf("deselect: %v", err)
	}
	if d.IsSelected() {
		t.Fatal("track still selected after deselect")
	}

	if err := d.SelectTrack(9, true); err == nil {
		t.Fatal("out-of-range selection should fail")
	}
}

func TestDisplayReleasesByTimestamp(t *testing.T) {
	t.Parallel()

	notify, got := collector()
	d := NewDecoder(notify)

	d.observeChannel(1)
	d.SelectTrack(0, true)
	*got = (*got)[:0]

	d.queue(&media.TimedText{TimeUs: 1_000_000, Data: []byte("one")})
	d.queue(&media.TimedText{TimeUs: 3_000_000, Data: []byte("three")})
	d.queue(&media.TimedText{TimeUs: 2_000_000, Data: []byte("two")})

	d.Display(2_500_000)
	if len(*got) != 2 {
		t.Fatalf("released %d samples at 2.5s, want 2", len(*got))
	}
	if string((*got)[0].Text.Data) != "one" || string((*got)[1].Text.Data) != "two" {
		t.Fatalf("release order = %q, %q", (*got)[0].Text.Data, (*got)[1].Text.Data)
	}

	d.Display(3_000_000)
	if len(*got) != 3 {
		t.Fatalf("released %d samples at 3s, want 3", len(*got))
	}

	// Nothing left.
	d.Display(10_000_000)
	if len(*got) != 3 {
		t.Fatal("released samples twice")
	}
}

func TestFlushDropsPending(t *testing.T) {
	t.Parallel()

	notify, got := collector()
	d := NewDecoder(notify)

	d.observeChannel(1)
	d.SelectTrack(0, true)
	*got = (*got)[:0]

	d.queue(&media.TimedText{TimeUs: 1_000_000, Data: []byte("stale")})
	d.Flush()
	d.Display(5_000_000)
	if len(*got) != 0 {
		t.Fatal("flushed caption sample was still delivered")
	}
}

func TestDisplayWithoutSelection(t *testing.T) {
	t.Parallel()

	notify, got := collector()
	d := NewDecoder(notify)

	d.observeChannel(1)
	*got = (*got)[:0]
	d.queue(&media.TimedText{TimeUs: 0, Data: []byte("x")})
	d.Display(1_000_000)
	if len(*got) != 0 {
		t.Fatal("captions delivered with no track selected")
	}
}
