package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
)

func TestDecodeDataURL(t *testing.T) {
	img, err := DecodeDataURL(pngDataURL())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if img.MIMEType != "image/png" {
		t.Fatalf("unexpected mime %q", img.MIMEType)
	}
	if !bytes.Equal(img.Data, tinyPNG) {
		t.Fatalf("decoded bytes differ")
	}

	// a missing media type falls back to sniffing
	img, err = DecodeDataURL("data:;base64," + base64.StdEncoding.EncodeToString(tinyPNG))
	if err != nil {
		t.Fatalf("decode without mime: %v", err)
	}
	if img.MIMEType != "image/png" {
		t.Fatalf("expected sniffed png, got %q", img.MIMEType)
	}

	if _, err := DecodeDataURL("data:image/png;base64,!!!"); err == nil {
		t.Fatalf("expected invalid base64 to fail")
	}
	if _, err := DecodeDataURL("https://example.com/a.png"); err == nil {
		t.Fatalf("expected non data url to fail")
	}
}

func TestDecodeDataURLRejectsOversized(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString(make([]byte, MaxImageBytes+1))
	if _, err := DecodeDataURL("data:image/jpeg;base64," + payload); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}
}

func TestLoadImageFetchesRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/leaf.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(tinyPNG)
		case "/huge":
			_, _ = w.Write(bytes.Repeat([]byte{0xff}, MaxImageBytes+10))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	img, err := LoadImage(context.Background(), srv.Client(), srv.URL+"/leaf.png")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if img.MIMEType != "image/png" || !bytes.Equal(img.Data, tinyPNG) {
		t.Fatalf("unexpected image %q (%d bytes)", img.MIMEType, len(img.Data))
	}
	if _, err := LoadImage(context.Background(), srv.Client(), srv.URL+"/huge"); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}
	if _, err := LoadImage(context.Background(), srv.Client(), srv.URL+"/missing"); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestExtensionFor(t *testing.T) {
	if got := ExtensionFor("image/png"); got != "png" {
		t.Fatalf("png: got %q", got)
	}
	if got := ExtensionFor("image/jpeg"); got != "jpg" {
		t.Fatalf("jpeg: got %q", got)
	}
}

func TestLoadImageRefusesNonPublicHosts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("internal-secret"))
	}))
	defer srv.Close()

	port := srv.URL[strings.LastIndex(srv.URL, ":")+1:]
	for _, ref := range []string{
		srv.URL + "/latest/meta-data",
		"http://localhost:" + port + "/latest/meta-data",
	} {
		img, err := LoadImage(context.Background(), nil, ref)
		if !errors.Is(err, ErrBlockedAddress) {
			t.Fatalf("%s: expected ErrBlockedAddress, got %v (%d bytes)", ref, err, len(img.Data))
		}
	}
	if hits.Load() != 0 {
		t.Fatalf("blocked fetches must not reach the server, got %d hits", hits.Load())
	}

	if _, err := LoadImage(context.Background(), nil, "file:///etc/passwd"); err == nil {
		t.Fatalf("expected non-http scheme to fail")
	}
}

func TestIsPublicAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":            false,
		"10.1.2.3":             false,
		"172.16.0.1":           false,
		"192.168.1.1":          false,
		"169.254.169.254":      false,
		"100.64.0.1":           false,
		"0.0.0.0":              false,
		"224.0.0.1":            false,
		"::1":                  false,
		"fd00::1":              false,
		"fe80::1":              false,
		"::ffff:127.0.0.1":     false,
		"8.8.8.8":              true,
		"93.184.216.34":        true,
		"2606:4700:4700::1111": true,
		"::ffff:93.184.216.34": true,
	}
	for raw, want := range cases {
		if got := IsPublicAddr(netip.MustParseAddr(raw)); got != want {
			t.Fatalf("IsPublicAddr(%s) = %v, want %v", raw, got, want)
		}
	}
}
