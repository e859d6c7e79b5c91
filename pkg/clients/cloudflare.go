package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudflare/cloudflare-go/v2"
	"github.com/cloudflare/cloudflare-go/v2/dns"
	"github.com/cloudflare/cloudflare-go/v2/option"
	"github.com/cloudflare/cloudflare-go/v2/zones"
	"github.com/sirupsen/logrus"
)

// cloudflareProvider manages proxied CNAME records through the Cloudflare
// API. Refs are "zoneID/recordID" so deletion needs no zone lookup.
type cloudflareProvider struct {
	client *cloudflare.Client
	log    *logrus.Entry
}

func NewCloudflareProvider(apiToken string) DNSProvider {
	return &cloudflareProvider{
		client: cloudflare.NewClient(
			option.WithAPIToken(apiToken),
		),
		log: logrus.WithField("client", "cloudflare"),
	}
}

func (p *cloudflareProvider) CreateProxiedRecord(ctx context.Context, hostname, targetHost, _ string) (string, error) {
	zoneID, err := p.findZoneID(ctx, hostname)
	if err != nil {
		return "", err
	}

	// Lookup-first keeps the call idempotent: a record left behind by an
	// earlier attempt is adopted instead of duplicated.
	if ref, ok, err := p.findExistingRecord(ctx, zoneID, hostname); err != nil {
		return "", err
	} else if ok {
		return "", &AlreadyExistsError{Ref: ref}
	}

	record, err := p.client.DNS.Records.New(ctx, dns.RecordNewParams{
		ZoneID: cloudflare.F(zoneID),
		Record: dns.CNAMERecordParam{
			Name:    cloudflare.F(hostname),
			Type:    cloudflare.F(dns.CNAMERecordTypeCNAME),
			Content: cloudflare.F[interface{}](targetHost),
			Proxied: cloudflare.F(true),
			TTL:     cloudflare.F(dns.TTL(1)), // 1 = automatic
		},
	})
	if err != nil {
		if isAlreadyExists(err) {
			if ref, ok, lookupErr := p.findExistingRecord(ctx, zoneID, hostname); lookupErr == nil && ok {
				return "", &AlreadyExistsError{Ref: ref}
			}
		}
		return "", classifyCloudflare("create proxied record", err)
	}

	p.log.WithFields(logrus.Fields{"hostname": hostname, "record": record.ID}).Debug("created proxied record")
	return zoneID + "/" + record.ID, nil
}

func (p *cloudflareProvider) DeleteRecord(ctx context.Context, ref string) error {
	zoneID, recordID, ok := strings.Cut(ref, "/")
	if !ok {
		return Fatal("delete record", fmt.Errorf("malformed record ref %q", ref))
	}

	_, err := p.client.DNS.Records.Delete(ctx, recordID, dns.RecordDeleteParams{
		ZoneID: cloudflare.F(zoneID),
	})
	if err != nil {
		var apiErr *cloudflare.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return nil
		}
		return classifyCloudflare("delete record", err)
	}
	return nil
}

func (p *cloudflareProvider) ZoneStatus(ctx context.Context, hostname string) (ZoneStatus, error) {
	zone, err := p.findZone(ctx, hostname)
	if err != nil {
		return "", err
	}
	if string(zone.Status) == "active" {
		return ZoneActive, nil
	}
	return ZonePending, nil
}

// findZone walks the hostname's parent domains until a managed zone matches,
// so "shop.example.com" finds the "example.com" zone.
func (p *cloudflareProvider) findZone(ctx context.Context, hostname string) (*zones.Zone, error) {
	labels := strings.Split(hostname, ".")
	for i := 0; i < len(labels)-1; i++ {
		candidate := strings.Join(labels[i:], ".")
		resp, err := p.client.Zones.List(ctx, zones.ZoneListParams{
			Name: cloudflare.F(candidate),
		})
		if err != nil {
			return nil, classifyCloudflare("list zones", err)
		}
		if len(resp.Result) > 0 {
			return &resp.Result[0], nil
		}
	}
	return nil, Fatal("list zones", fmt.Errorf("no managed zone found for %v", hostname))
}

func (p *cloudflareProvider) findZoneID(ctx context.Context, hostname string) (string, error) {
	zone, err := p.findZone(ctx, hostname)
	if err != nil {
		return "", err
	}
	return zone.ID, nil
}

func (p *cloudflareProvider) findExistingRecord(ctx context.Context, zoneID, hostname string) (string, bool, error) {
	pager := p.client.DNS.Records.ListAutoPaging(ctx, dns.RecordListParams{
		ZoneID: cloudflare.F(zoneID),
	})
	for pager.Next() {
		record := pager.Current()
		if record.Name == hostname && string(record.Type) == "CNAME" {
			return zoneID + "/" + record.ID, true, nil
		}
	}
	if err := pager.Err(); err != nil {
		return "", false, classifyCloudflare("list records", err)
	}
	return "", false, nil
}

func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	// 81053/81057: record with the same name and content already exists.
	return strings.Contains(msg, "81053") || strings.Contains(msg, "81057") ||
		strings.Contains(msg, "already exists")
}

func classifyCloudflare(op string, err error) error {
	if isTimeout(err) {
		return Retryable(op, err)
	}
	var apiErr *cloudflare.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 500 || apiErr.StatusCode == 429 {
			return Retryable(op, err)
		}
		return Fatal(op, err)
	}
	return Retryable(op, err)
}
