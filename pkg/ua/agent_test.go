package ua

import (
	"testing"

	"github.com/pion/ice/v2"

	"github.com/arzzra/go-uacore/pkg/config"
)

func TestIceServerURLs_StunHasNoCredentials(t *testing.T) {
	urls, err := iceServerURLs([]config.ICEServer{
		{Host: "stun.example.com", Port: 3478},
	})
	if err != nil {
		t.Fatalf("iceServerURLs: %v", err)
	}
	if len(urls) != 1 {
		t.Fatalf("expected 1 URL, got %d", len(urls))
	}
	if urls[0].Scheme != ice.SchemeTypeSTUN {
		t.Fatalf("expected stun scheme, got %v", urls[0].Scheme)
	}
	if urls[0].Username != "" || urls[0].Password != "" {
		t.Fatalf("expected no credentials on a STUN url, got %q/%q", urls[0].Username, urls[0].Password)
	}
}

func TestIceServerURLs_TurnCarriesCredentials(t *testing.T) {
	urls, err := iceServerURLs([]config.ICEServer{
		{Host: "turn.example.com", Port: 3478, Username: "alice", Password: "s3cret", IsTURN: true},
	})
	if err != nil {
		t.Fatalf("iceServerURLs: %v", err)
	}
	if len(urls) != 1 {
		t.Fatalf("expected 1 URL, got %d", len(urls))
	}
	if urls[0].Scheme != ice.SchemeTypeTURN {
		t.Fatalf("expected turn scheme, got %v", urls[0].Scheme)
	}
	if urls[0].Username != "alice" || urls[0].Password != "s3cret" {
		t.Fatalf("expected TURN credentials carried through, got %q/%q", urls[0].Username, urls[0].Password)
	}
}

func TestIceServerURLs_Empty(t *testing.T) {
	urls, err := iceServerURLs(nil)
	if err != nil {
		t.Fatalf("iceServerURLs: %v", err)
	}
	if len(urls) != 0 {
		t.Fatalf("expected no URLs, got %d", len(urls))
	}
}
