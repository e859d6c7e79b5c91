package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rancher/wrangler/pkg/signals"
	"github.com/shopkit/shopkit-domains/pkg/apiserver"
	"github.com/shopkit/shopkit-domains/pkg/clients"
	"github.com/shopkit/shopkit-domains/pkg/db"
	"github.com/shopkit/shopkit-domains/pkg/orchestrator"
	"github.com/shopkit/shopkit-domains/pkg/verify"
	"github.com/shopkit/shopkit-domains/pkg/version"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"
)

type apiServerCommand struct{}

func (s *apiServerCommand) Execute(c *cli.Context) error {
	ctx := signals.SetupSignalHandler(context.Background())

	log := logrus.WithField("command", "api-server")

	log.Infof("version: %v", version.Get())

	database, err := db.New(ctx, c.String("sql-dialect"), c.String("sql-dsn"), &gorm.Config{
		Logger: db.NewLogger(c.String("log-level")),
	})
	if err != nil {
		return err
	}

	dnsProvider, err := buildDNSProvider(c)
	if err != nil {
		return err
	}

	edge := clients.NewEdgeClient(c.String("edge-api-url"), c.String("edge-api-token"))

	verifier, err := verify.New(verify.Options{
		TargetHost:   c.String("target-host"),
		Marker:       c.String("health-marker"),
		EdgeCIDRs:    c.StringSlice("edge-ip-range"),
		ResolverAddr: c.String("resolver-addr"),
	})
	if err != nil {
		return err
	}

	orch := orchestrator.New(ctx, log, database, edge, dnsProvider, verifier, orchestrator.Config{
		TargetHost:            c.String("target-host"),
		VerifyDeadline:        c.Duration("verify-deadline"),
		Workers:               c.Int("workers"),
		RequireOwnershipProof: c.Bool("require-ownership-proof"),
	})

	apiServer := apiserver.NewAPIServer(ctx, log, c.Int("port"), c.String("api-token-hash"))

	return apiServer.Start(orch)
}

func buildDNSProvider(c *cli.Context) (clients.DNSProvider, error) {
	switch c.String("dns-provider") {
	case "cloudflare":
		return clients.NewCloudflareProvider(c.String("cloudflare-api-token")), nil
	case "route53":
		return clients.NewRoute53Provider(c.String("route53-zone-id"), c.Int64("route53-record-ttl"))
	default:
		return nil, fmt.Errorf("unsupported dns provider: %s", c.String("dns-provider"))
	}
}

func serverCommand() *cli.Command {
	cmd := apiServerCommand{}

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:    "port",
			Usage:   "Port for the HTTP Server Port",
			EnvVars: []string{"SHOPKIT_PORT", "PORT"},
			Value:   4316,
		},
		&cli.StringFlag{
			Name:    "sql-dialect",
			Usage:   "The type of sql to use, sqlite or mysql",
			EnvVars: []string{"SHOPKIT_SQL_DIALECT", "SQL_DIALECT"},
			Value:   "sqlite",
		},
		&cli.StringFlag{
			Name:    "sql-dsn",
			Usage:   "The DSN to use to connect to",
			EnvVars: []string{"SHOPKIT_SQL_DSN", "SQL_DSN"},
			Value:   "file:domains.sqlite?_pragma=foreign_keys(1)",
		},
		&cli.StringFlag{
			Name:    "api-token-hash",
			Usage:   "bcrypt hash of the service API token; empty disables auth",
			EnvVars: []string{"SHOPKIT_API_TOKEN_HASH"},
		},
		&cli.StringFlag{
			Name:     "target-host",
			Usage:    "the platform's canonical ingress hostname",
			EnvVars:  []string{"SHOPKIT_TARGET_HOST"},
			Required: true,
		},
		&cli.StringFlag{
			Name:    "edge-api-url",
			Usage:   "base URL of the edge platform hostname API",
			EnvVars: []string{"SHOPKIT_EDGE_API_URL"},
		},
		&cli.StringFlag{
			Name:    "edge-api-token",
			Usage:   "API token for the edge platform",
			EnvVars: []string{"SHOPKIT_EDGE_API_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "dns-provider",
			Usage:   "dns/cdn provider to use, cloudflare or route53",
			EnvVars: []string{"SHOPKIT_DNS_PROVIDER"},
			Value:   "cloudflare",
		},
		&cli.StringFlag{
			Name:    "cloudflare-api-token",
			Usage:   "API token for Cloudflare",
			EnvVars: []string{"SHOPKIT_CLOUDFLARE_API_TOKEN", "CLOUDFLARE_API_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "route53-zone-id",
			Usage:   "Route53 hosted zone id, when dns-provider is route53",
			EnvVars: []string{"SHOPKIT_ROUTE53_ZONE_ID"},
		},
		&cli.Int64Flag{
			Name:    "route53-record-ttl",
			Usage:   "TTL in seconds for Route53 records",
			EnvVars: []string{"SHOPKIT_ROUTE53_RECORD_TTL"},
			Value:   300,
		},
		&cli.StringFlag{
			Name:    "health-marker",
			Usage:   "body substring the platform health endpoint returns",
			EnvVars: []string{"SHOPKIT_HEALTH_MARKER"},
			Value:   "shopkit-edge-ok",
		},
		&cli.StringSliceFlag{
			Name:    "edge-ip-range",
			Usage:   "known edge IP ranges in CIDR notation, repeatable",
			EnvVars: []string{"SHOPKIT_EDGE_IP_RANGES"},
		},
		&cli.StringFlag{
			Name:    "resolver-addr",
			Usage:   "public recursive resolver used for verification",
			EnvVars: []string{"SHOPKIT_RESOLVER_ADDR"},
			Value:   "1.1.1.1:53",
		},
		&cli.DurationFlag{
			Name:    "verify-deadline",
			Usage:   "how long to wait for propagation before failing a domain",
			EnvVars: []string{"SHOPKIT_VERIFY_DEADLINE"},
			Value:   48 * time.Hour,
		},
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "maximum concurrent provisioning/verification workers",
			EnvVars: []string{"SHOPKIT_WORKERS"},
			Value:   8,
		},
		&cli.BoolFlag{
			Name:    "require-ownership-proof",
			Usage:   "require the verification token as a TXT record before provisioning",
			EnvVars: []string{"SHOPKIT_REQUIRE_OWNERSHIP_PROOF"},
		},
	}

	return &cli.Command{
		Name:   "api-server",
		Usage:  "custom domains api server",
		Action: cmd.Execute,
		Flags:  append(flags, GlobalFlags()...),
		Before: Before,
	}
}
