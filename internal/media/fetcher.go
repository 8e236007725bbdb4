package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// ErrNotImage is returned when the referenced media is not an image
var ErrNotImage = errors.New("referenced media is not an image")

// ErrTooLarge is returned when the referenced media exceeds the size cap
var ErrTooLarge = errors.New("referenced media is too large")

// ErrForbiddenHost is returned for network references outside the allowed media hosts
var ErrForbiddenHost = errors.New("media host not allowed")

// sharedAddressSpace is the carrier-grade NAT range, not covered by net.IP.IsPrivate
var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

const maxRedirects = 5

// Fetcher retrieves stored media referenced by a submission's content
type Fetcher interface {
	FetchImage(ctx context.Context, ref string) (data []byte, mimeType string, err error)
}

// Config for the default fetcher
type Config struct {
	MaxBytes int64         // Default: 10 MiB
	Timeout  time.Duration // Default: 15s
	Root     string        // file:// references must resolve inside Root; empty disables them

	// AllowedHosts lists the hosts http(s):// references may point at. An entry "*.example.com"
	// matches any subdomain. Empty disables network references.
	AllowedHosts []string
	// AllowPrivateNetworks permits connections to loopback, private and link-local addresses
	AllowPrivateNetworks bool
}

// HTTPFetcher reads http(s):// references over the network and file:// references from local storage
type HTTPFetcher struct {
	client   *http.Client
	maxBytes int64
	root     string
	hosts    []string
}

// NewFetcher creates a media fetcher
func NewFetcher(cfg Config) *HTTPFetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	root := ""
	if cfg.Root != "" {
		root = filepath.Clean(cfg.Root)
	}
	hosts := make([]string, 0, len(cfg.AllowedHosts))
	for _, h := range cfg.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}
	if !cfg.AllowPrivateNetworks {
		dialer.Control = publicAddressesOnly
	}

	f := &HTTPFetcher{
		maxBytes: cfg.MaxBytes,
		root:     root,
		hosts:    hosts,
	}
	f.client = &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			// No proxy: the dial check must see the real destination
			Proxy:               nil,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if !f.allowedHost(req.URL) {
				return fmt.Errorf("%w: redirect to %s", ErrForbiddenHost, req.URL.Hostname())
			}
			return nil
		},
	}
	return f
}

// FetchImage downloads ref and checks that it is an image
func (f *HTTPFetcher) FetchImage(ctx context.Context, ref string) ([]byte, string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, "", fmt.Errorf("invalid media reference: %w", err)
	}

	var data []byte
	switch u.Scheme {
	case "http", "https":
		if !f.allowedHost(u) {
			return nil, "", fmt.Errorf("%w: %s", ErrForbiddenHost, u.Hostname())
		}
		data, err = f.fetchHTTP(ctx, ref)
	case "file":
		data, err = f.fetchFile(u.Path)
	default:
		return nil, "", fmt.Errorf("unsupported media reference scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, "", err
	}

	mime := mimetype.Detect(data)
	if !strings.HasPrefix(mime.String(), "image/") {
		return nil, "", fmt.Errorf("%w: detected %s", ErrNotImage, mime.String())
	}
	return data, mime.String(), nil
}

func (f *HTTPFetcher) fetchHTTP(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create media request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media server returned status %d", resp.StatusCode)
	}
	return f.readCapped(resp.Body)
}

func (f *HTTPFetcher) allowedHost(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, allowed := range f.hosts {
		if suffix, ok := strings.CutPrefix(allowed, "*"); ok {
			if strings.HasSuffix(host, suffix) {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}

// publicAddressesOnly runs after name resolution, so it also catches allowed names that resolve inward
func publicAddressesOnly(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForbiddenHost, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: unresolved address %s", ErrForbiddenHost, host)
	}
	if !isPublic(ip) {
		return fmt.Errorf("%w: %s is not a public address", ErrForbiddenHost, ip)
	}
	return nil
}

func isPublic(ip net.IP) bool {
	switch {
	case ip.IsLoopback(), ip.IsPrivate(), ip.IsUnspecified(),
		ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast(),
		ip.IsInterfaceLocalMulticast(), ip.IsMulticast():
		return false
	}
	return !sharedAddressSpace.Contains(ip)
}

func (f *HTTPFetcher) fetchFile(path string) ([]byte, error) {
	if f.root == "" {
		return nil, fmt.Errorf("file media references are disabled")
	}

	clean := filepath.Clean(path)
	rel, err := filepath.Rel(f.root, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("media reference outside storage root")
	}

	file, err := os.Open(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to open media: %w", err)
	}
	defer file.Close()

	return f.readCapped(file)
}

func (f *HTTPFetcher) readCapped(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read media: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}
