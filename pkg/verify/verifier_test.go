package verify

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTarget = "ingress.shopkit.dev"
	testMarker = "shopkit-edge-ok"
)

type fakeResolver struct {
	cname    string
	cnameErr error
	hosts    []string
	hostsErr error
	txt      []string
	txtErr   error

	lookups int
}

func (r *fakeResolver) LookupCNAME(_ context.Context, _ string) (string, error) {
	r.lookups++
	return r.cname, r.cnameErr
}

func (r *fakeResolver) LookupHost(_ context.Context, _ string) ([]string, error) {
	r.lookups++
	return r.hosts, r.hostsErr
}

func (r *fakeResolver) LookupTXT(_ context.Context, _ string) ([]string, error) {
	r.lookups++
	return r.txt, r.txtErr
}

func nxdomain(host string) error {
	return &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func newTestVerifier(t *testing.T, opts Options) *Verifier {
	t.Helper()
	if opts.TargetHost == "" {
		opts.TargetHost = testTarget
	}
	if opts.Marker == "" {
		opts.Marker = testMarker
	}
	v, err := New(opts)
	require.NoError(t, err)
	return v
}

func TestProbeMarkerShortCircuits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/__health", r.URL.Path)
		_, _ = w.Write([]byte(testMarker))
	}))
	defer srv.Close()

	resolver := &fakeResolver{cnameErr: nxdomain("x"), hostsErr: nxdomain("x")}
	v := newTestVerifier(t, Options{
		HTTPClient: srv.Client(),
		Resolver:   resolver,
		Scheme:     "http",
	})

	res := v.Check(context.Background(), srv.Listener.Addr().String())

	assert.True(t, res.Verified)
	assert.Equal(t, ReasonHealthy, res.Reason)
	// The probe was conclusive, so DNS must not have been consulted.
	assert.Zero(t, resolver.lookups)
}

func TestWrongMarkerFallsThroughToDNS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("welcome to some other site"))
	}))
	defer srv.Close()

	resolver := &fakeResolver{cname: testTarget + "."}
	v := newTestVerifier(t, Options{
		HTTPClient: srv.Client(),
		Resolver:   resolver,
		Scheme:     "http",
	})

	res := v.Check(context.Background(), srv.Listener.Addr().String())

	assert.True(t, res.Verified)
	assert.Equal(t, ReasonDNSMatch, res.Reason)
}

func TestEdgeIPRangeMatches(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close() // probe sees connection refused

	resolver := &fakeResolver{
		cnameErr: nxdomain("x"),
		hosts:    []string{"203.0.113.10"},
	}
	v := newTestVerifier(t, Options{
		EdgeCIDRs:  []string{"203.0.113.0/24"},
		HTTPClient: &http.Client{},
		Resolver:   resolver,
		Scheme:     "http",
	})

	res := v.Check(context.Background(), addr)

	assert.True(t, res.Verified)
	assert.Equal(t, ReasonDNSMatch, res.Reason)
}

func TestUnresolvableHostnameIsPendingNotError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.Listener.Addr().String()
	srv.Close()

	resolver := &fakeResolver{
		cnameErr: nxdomain("shop.example.com"),
		hostsErr: nxdomain("shop.example.com"),
	}
	v := newTestVerifier(t, Options{
		HTTPClient: &http.Client{},
		Resolver:   resolver,
		Scheme:     "http",
	})

	res := v.Check(context.Background(), addr)

	assert.False(t, res.Verified)
	assert.Equal(t, ReasonNotPropagated, res.Reason)
}

func TestTLSFailureReportedDistinctly(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testMarker))
	}))
	defer srv.Close()

	resolver := &fakeResolver{cnameErr: nxdomain("x"), hostsErr: nxdomain("x")}
	v := newTestVerifier(t, Options{
		// A client that does not trust the server's certificate, like a
		// browser hitting a domain whose certificate is not issued yet.
		HTTPClient: &http.Client{},
		Resolver:   resolver,
	})

	res := v.Check(context.Background(), srv.Listener.Addr().String())

	assert.False(t, res.Verified)
	assert.Equal(t, ReasonTLSPending, res.Reason)
}

func TestCheckOwnership(t *testing.T) {
	resolver := &fakeResolver{txt: []string{"unrelated", "tok-abc123"}}
	v := newTestVerifier(t, Options{Resolver: resolver, HTTPClient: &http.Client{}})

	assert.True(t, v.CheckOwnership(context.Background(), "shop.example.com", "tok-abc123"))
	assert.False(t, v.CheckOwnership(context.Background(), "shop.example.com", "tok-other"))

	resolver.txtErr = nxdomain("_shopkit-challenge.shop.example.com")
	assert.False(t, v.CheckOwnership(context.Background(), "shop.example.com", "tok-abc123"))
}
