package media

import (
	"testing"
	"time"
)

func TestDTMFSender_RFC2833Burst_MatchesPacketCadence(t *testing.T) {
	const packetTime = 20 * time.Millisecond
	const digitDuration = 160 * time.Millisecond
	const timestamp = 4000

	ticks := int((digitDuration + packetTime - 1) / packetTime)
	if ticks != 8 {
		t.Fatalf("expected 8 ticks for 160ms at 20ms packet time, got %d", ticks)
	}

	ds := NewDTMFSender(101)
	ds.SetSSRC(0xABCD)
	ds.StartDigit(DTMF1, -10, timestamp)

	dr := &DTMFReceiver{}
	var lastDuration uint16
	for i := 0; i < ticks; i++ {
		pkt, err := ds.Tick(packetTime)
		if err != nil {
			t.Fatalf("Tick: %v", err)
		}
		if pkt.Timestamp != timestamp {
			t.Fatalf("tick %d: RTP timestamp changed mid-event: got %d, want %d", i, pkt.Timestamp, timestamp)
		}
		if pkt.Marker != (i == 0) {
			t.Fatalf("tick %d: marker=%v, want %v", i, pkt.Marker, i == 0)
		}
		payload, err := dr.deserializePayload(pkt.Payload)
		if err != nil {
			t.Fatalf("tick %d: deserializing payload: %v", i, err)
		}
		if payload.Event != uint8(DTMF1) {
			t.Fatalf("tick %d: event=%d, want %d", i, payload.Event, DTMF1)
		}
		if payload.EndFlag {
			t.Fatalf("tick %d: end-of-event bit set before EndDigit", i)
		}
		if payload.Duration <= lastDuration && i > 0 {
			t.Fatalf("tick %d: duration did not increase: %d <= %d", i, payload.Duration, lastDuration)
		}
		lastDuration = payload.Duration
	}

	endPkts, err := ds.EndDigit()
	if err != nil {
		t.Fatalf("EndDigit: %v", err)
	}
	if len(endPkts) != 3 {
		t.Fatalf("expected 3 terminating packets, got %d", len(endPkts))
	}
	for i, pkt := range endPkts {
		if pkt.Marker {
			t.Fatalf("terminating packet %d: marker should not be set", i)
		}
		if pkt.Timestamp != timestamp {
			t.Fatalf("terminating packet %d: timestamp changed: got %d, want %d", i, pkt.Timestamp, timestamp)
		}
		payload, err := dr.deserializePayload(pkt.Payload)
		if err != nil {
			t.Fatalf("terminating packet %d: deserializing payload: %v", i, err)
		}
		if !payload.EndFlag {
			t.Fatalf("terminating packet %d: end-of-event bit not set", i)
		}
		if payload.Duration < lastDuration {
			t.Fatalf("terminating packet %d: duration %d regressed below last event duration %d", i, payload.Duration, lastDuration)
		}
	}

	if ds.Active() {
		t.Fatalf("expected sender to be idle after EndDigit")
	}
}

func TestDTMFSender_TickWithoutStartDigit_Errors(t *testing.T) {
	ds := NewDTMFSender(101)
	if _, err := ds.Tick(20 * time.Millisecond); err == nil {
		t.Fatalf("expected an error ticking with no event in progress")
	}
	if _, err := ds.EndDigit(); err == nil {
		t.Fatalf("expected an error ending with no event in progress")
	}
}

func TestDTMFToneGenerator_QueueProducesCeilSampleCount(t *testing.T) {
	g := NewDTMFToneGenerator(8000)
	// ceil(25ms * 8000/1000) = 200 samples (§8's inband queuing law).
	g.Queue(DTMF5, 25*time.Millisecond)

	dst := make([]int16, 300)
	n := g.Fill(dst)
	if n != 200 {
		t.Fatalf("expected 200 synthesized samples, got %d", n)
	}
	if g.Active() {
		t.Fatalf("expected the generator to go idle once its queued tone drains")
	}

	allSilent := true
	for _, s := range dst[:n] {
		if s != 0 {
			allSilent = false
			break
		}
	}
	if allSilent {
		t.Fatalf("expected synthesized samples to carry a non-zero dual tone")
	}
}

func TestDTMFToneGenerator_QueueAdvancesAcrossMultipleDigits(t *testing.T) {
	g := NewDTMFToneGenerator(8000)
	g.Queue(DTMF1, 10*time.Millisecond) // 80 samples
	g.Queue(DTMF2, 10*time.Millisecond) // 80 samples

	dst := make([]int16, 200)
	n := g.Fill(dst)
	if n != 160 {
		t.Fatalf("expected both queued digits' samples (160 total), got %d", n)
	}
	if g.Active() {
		t.Fatalf("expected the generator to drain both queued digits")
	}
}
