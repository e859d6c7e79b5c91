package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/sirupsen/logrus"
)

// route53Provider is the non-proxied alternative for deployments whose DNS
// lives in Route53 and whose traffic hits the edge platform directly. Records
// are plain CNAMEs; refs are the record FQDN.
type route53Provider struct {
	svc              *route53.Route53
	zoneID           string
	baseDomain       string
	recordTTLSeconds int64
	log              *logrus.Entry
}

func NewRoute53Provider(zoneID string, recordTTLSecs int64) (DNSProvider, error) {
	s, err := session.NewSession()
	if err != nil {
		return nil, err
	}

	svc := route53.New(s, &aws.Config{
		MaxRetries: aws.Int(3),
	})

	z, err := svc.GetHostedZone(&route53.GetHostedZoneInput{
		Id: aws.String(zoneID),
	})
	if err != nil {
		return nil, err
	}

	return &route53Provider{
		svc:              svc,
		zoneID:           aws.StringValue(z.HostedZone.Id),
		baseDomain:       strings.TrimSuffix(aws.StringValue(z.HostedZone.Name), "."),
		recordTTLSeconds: recordTTLSecs,
		log:              logrus.WithField("client", "route53"),
	}, nil
}

func (p *route53Provider) CreateProxiedRecord(ctx context.Context, hostname, targetHost, _ string) (string, error) {
	rrs := &route53.ResourceRecordSet{
		Type: aws.String("CNAME"),
		Name: aws.String(hostname),
		TTL:  aws.Int64(p.recordTTLSeconds),
		ResourceRecords: []*route53.ResourceRecord{
			{Value: aws.String(targetHost)},
		},
	}

	// UPSERT makes retries idempotent without a separate lookup.
	input := &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(p.zoneID),
		ChangeBatch: &route53.ChangeBatch{
			Changes: []*route53.Change{
				{
					Action:            aws.String("UPSERT"),
					ResourceRecordSet: rrs,
				},
			},
		},
	}

	if _, err := p.svc.ChangeResourceRecordSetsWithContext(ctx, input); err != nil {
		return "", classifyRoute53("upsert record", err)
	}

	p.log.WithField("hostname", hostname).Debug("upserted CNAME record")
	return hostname, nil
}

func (p *route53Provider) DeleteRecord(ctx context.Context, ref string) error {
	out, err := p.svc.ListResourceRecordSetsWithContext(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(p.zoneID),
		StartRecordName: aws.String(ref),
		StartRecordType: aws.String("CNAME"),
		MaxItems:        aws.String("1"),
	})
	if err != nil {
		return classifyRoute53("list records", err)
	}

	var match *route53.ResourceRecordSet
	for _, rrs := range out.ResourceRecordSets {
		if strings.TrimSuffix(aws.StringValue(rrs.Name), ".") == ref &&
			aws.StringValue(rrs.Type) == "CNAME" {
			match = rrs
		}
	}
	if match == nil {
		// Already gone.
		return nil
	}

	input := &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(p.zoneID),
		ChangeBatch: &route53.ChangeBatch{
			Changes: []*route53.Change{
				{
					Action:            aws.String("DELETE"),
					ResourceRecordSet: match,
				},
			},
		},
	}

	if _, err := p.svc.ChangeResourceRecordSetsWithContext(ctx, input); err != nil {
		return classifyRoute53("delete record", err)
	}
	return nil
}

func (p *route53Provider) ZoneStatus(ctx context.Context, hostname string) (ZoneStatus, error) {
	if !strings.HasSuffix(hostname, p.baseDomain) {
		return "", Fatal("zone status", fmt.Errorf("%v is not under managed zone %v", hostname, p.baseDomain))
	}
	// Hosted zones answer authoritatively as soon as the change syncs; there
	// is no pending proxy tier like Cloudflare's.
	return ZoneActive, nil
}

func classifyRoute53(op string, err error) error {
	if isTimeout(err) {
		return Retryable(op, err)
	}
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		if reqErr.StatusCode() >= 500 || reqErr.Code() == "Throttling" || reqErr.Code() == "ThrottlingException" {
			return Retryable(op, err)
		}
		return Fatal(op, err)
	}
	return Retryable(op, err)
}
