package verify

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shopkit/shopkit-domains/pkg/model"
	"github.com/sirupsen/logrus"
)

const (
	// ReasonHealthy means the health probe answered with the platform marker.
	ReasonHealthy = "health probe returned platform marker"
	// ReasonDNSMatch means DNS resolves to the platform even though the
	// probe was inconclusive.
	ReasonDNSMatch = "dns resolves to platform"
	// ReasonNotPropagated is the legitimate pending state, not an error.
	ReasonNotPropagated = "not yet propagated"
	// ReasonTLSPending means traffic reaches an endpoint whose certificate
	// is not issued yet. Expected during provisioning, distinct from not
	// found.
	ReasonTLSPending = "tls handshake failed, certificate not yet issued"

	defaultProbeTimeout  = 10 * time.Second
	defaultResolverAddr  = "1.1.1.1:53"
	defaultHealthPath    = "/__health"
	ownershipLabelPrefix = "_shopkit-challenge."
)

// Result is the outcome of a verification pass. A false Verified with
// ReasonNotPropagated is a legitimate pending state.
type Result struct {
	Verified bool   `json:"verified"`
	Reason   string `json:"reason"`
}

// Resolver is the subset of net.Resolver the engine uses, pinned to a public
// recursive resolver so the tenant's possibly-stale resolver is bypassed.
type Resolver interface {
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

type Options struct {
	// TargetHost is the platform's canonical ingress hostname.
	TargetHost string
	// Marker is the body substring a platform health endpoint returns.
	Marker string
	// EdgeCIDRs are the platform's known edge IP ranges in CIDR notation.
	EdgeCIDRs []string
	// ResolverAddr overrides the public recursive resolver (host:port).
	ResolverAddr string

	// Test seams. Left nil in production.
	HTTPClient *http.Client
	Resolver   Resolver
	Scheme     string
}

// Verifier determines whether a hostname is correctly pointed at the
// platform. It only observes DNS and HTTP state, never mutates it.
type Verifier struct {
	targetHost string
	marker     string
	edgeNets   []*net.IPNet
	httpClient *http.Client
	resolver   Resolver
	scheme     string
	log        *logrus.Entry
}

func New(opts Options) (*Verifier, error) {
	if opts.TargetHost == "" {
		return nil, fmt.Errorf("target host must be provided")
	}

	var nets []*net.IPNet
	for _, cidr := range opts.EdgeCIDRs {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("bad edge CIDR %v: %w", cidr, err)
		}
		nets = append(nets, n)
	}

	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: defaultProbeTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Follow at most one hop.
				if len(via) > 1 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		}
	}

	resolver := opts.Resolver
	if resolver == nil {
		addr := opts.ResolverAddr
		if addr == "" {
			addr = defaultResolverAddr
		}
		resolver = publicResolver(addr)
	}

	scheme := opts.Scheme
	if scheme == "" {
		scheme = "https"
	}

	return &Verifier{
		targetHost: model.NormalizeHostname(opts.TargetHost),
		marker:     opts.Marker,
		edgeNets:   nets,
		httpClient: client,
		resolver:   resolver,
		scheme:     scheme,
		log:        logrus.WithField("component", "verifier"),
	}, nil
}

// Check runs the verification algorithm: application reachability probe
// first, DNS resolution second, short-circuiting on the first conclusive
// signal. It never returns an error for NXDOMAIN, SERVFAIL, refused
// connections or TLS failures; those fold into the Result.
func (v *Verifier) Check(ctx context.Context, hostname string) Result {
	probeOK, tlsPending := v.probe(ctx, hostname)
	if probeOK {
		return Result{Verified: true, Reason: ReasonHealthy}
	}

	if v.dnsMatches(ctx, hostname) {
		return Result{Verified: true, Reason: ReasonDNSMatch}
	}

	if tlsPending {
		return Result{Verified: false, Reason: ReasonTLSPending}
	}
	return Result{Verified: false, Reason: ReasonNotPropagated}
}

// CheckOwnership looks for the record's verification token in a TXT record
// under the challenge label, proving the tenant controls the zone before any
// DNS is pointed at the platform.
func (v *Verifier) CheckOwnership(ctx context.Context, hostname, token string) bool {
	values, err := v.resolver.LookupTXT(ctx, ownershipLabelPrefix+hostname)
	if err != nil {
		return false
	}
	for _, value := range values {
		if strings.TrimSpace(value) == token {
			return true
		}
	}
	return false
}

// probe issues the health request. The second return reports a TLS handshake
// failure, which is expected for a domain whose certificate is still being
// issued.
func (v *Verifier) probe(ctx context.Context, hostname string) (ok bool, tlsPending bool) {
	url := fmt.Sprintf("%s://%s%s", v.scheme, hostname, defaultHealthPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, false
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		if isTLSError(err) {
			v.log.WithField("hostname", hostname).Debug("probe hit endpoint without valid certificate")
			return false, true
		}
		return false, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return false, false
	}
	return strings.Contains(string(body), v.marker), false
}

// dnsMatches resolves the hostname through the pinned public resolver and
// accepts either a CNAME to the canonical ingress host or an address inside
// the known edge ranges.
func (v *Verifier) dnsMatches(ctx context.Context, hostname string) bool {
	if cname, err := v.resolver.LookupCNAME(ctx, hostname); err == nil {
		if model.NormalizeHostname(cname) == v.targetHost {
			return true
		}
	}

	addrs, err := v.resolver.LookupHost(ctx, hostname)
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		for _, n := range v.edgeNets {
			if n.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func isTLSError(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	var recordHeader tls.RecordHeaderError
	if errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostnameErr) ||
		errors.As(err, &certInvalid) ||
		errors.As(err, &recordHeader) {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake failure") ||
		strings.Contains(err.Error(), "remote error: tls")
}

func publicResolver(addr string) *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: 5 * time.Second}
			return d.DialContext(ctx, network, addr)
		},
	}
}
