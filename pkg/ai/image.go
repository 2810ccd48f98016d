package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// MaxImageBytes bounds decoded and fetched images.
const MaxImageBytes = 10 << 20

var (
	ErrImageTooLarge = errors.New("image exceeds 10 MiB")

	// ErrBlockedAddress means an image URL points at a non-public address.
	ErrBlockedAddress = errors.New("image host is not a public address")
)

var (
	sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")
	defaultImageClient = NewImageClient(30 * time.Second)
)

// IsPublicAddr reports whether addr is a globally routable unicast address.
// Loopback, private, link-local, carrier-grade NAT, multicast and
// unspecified addresses are not.
func IsPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() {
		return false
	}
	if addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsInterfaceLocalMulticast() || addr.IsMulticast() {
		return false
	}
	return !sharedAddressSpace.Contains(addr)
}

// NewImageClient returns a client for user-supplied image URLs. The peer
// address is checked after DNS resolution on every dial, redirects
// included, and proxies are not used.
func NewImageClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			peer, err := netip.ParseAddrPort(address)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrBlockedAddress, address)
			}
			if !IsPublicAddr(peer.Addr()) {
				return fmt.Errorf("%w: %s", ErrBlockedAddress, peer.Addr())
			}
			return nil
		},
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return &http.Client{Timeout: timeout, Transport: transport}
}

// Image is raw image content with its media type.
type Image struct {
	Data     []byte
	MIMEType string
}

// IsDataURL reports whether ref is an inline data URL.
func IsDataURL(ref string) bool {
	return strings.HasPrefix(strings.TrimSpace(ref), "data:")
}

// DecodeDataURL decodes data:<mime>;base64,<payload>.
func DecodeDataURL(ref string) (Image, error) {
	s := strings.TrimSpace(ref)
	if !strings.HasPrefix(s, "data:") {
		return Image{}, fmt.Errorf("not a data url")
	}
	idx := strings.IndexByte(s, ',')
	if idx < 0 {
		return Image{}, fmt.Errorf("malformed data url")
	}
	meta := s[len("data:"):idx]
	payload := s[idx+1:]
	hint := meta
	if semi := strings.IndexByte(meta, ';'); semi >= 0 {
		hint = meta[:semi]
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxImageBytes+3 {
		return Image{}, ErrImageTooLarge
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(payload)
		if err != nil {
			return Image{}, fmt.Errorf("decode data url: %w", err)
		}
	}
	if len(data) > MaxImageBytes {
		return Image{}, ErrImageTooLarge
	}
	return Image{Data: data, MIMEType: pickMIME(hint, data)}, nil
}

// LoadImage resolves a data URL locally or downloads an http(s) URL. A nil
// client means a NewImageClient client.
func LoadImage(ctx context.Context, client *http.Client, ref string) (Image, error) {
	if IsDataURL(ref) {
		return DecodeDataURL(ref)
	}
	if client == nil {
		client = defaultImageClient
	}
	ref = strings.TrimSpace(ref)
	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Image{}, fmt.Errorf("unsupported image url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return Image{}, fmt.Errorf("build image request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Image{}, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Image{}, fmt.Errorf("fetch image: %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return Image{}, fmt.Errorf("read image: %w", err)
	}
	if len(data) > MaxImageBytes {
		return Image{}, ErrImageTooLarge
	}
	hint := resp.Header.Get("Content-Type")
	if semi := strings.IndexByte(hint, ';'); semi >= 0 {
		hint = hint[:semi]
	}
	return Image{Data: data, MIMEType: pickMIME(hint, data)}, nil
}

// pickMIME prefers an explicit image type, otherwise sniffs the bytes.
func pickMIME(hint string, data []byte) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if strings.HasPrefix(hint, "image/") {
		return hint
	}
	if len(data) > 0 {
		if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
			return sniffed
		}
	}
	return "image/jpeg"
}

// ExtensionFor returns a file extension for an image media type.
func ExtensionFor(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "image/heic":
		return "heic"
	default:
		return "jpg"
	}
}
