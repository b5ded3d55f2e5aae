// Package session owns the process-wide pool of credentialed clients for
// the model provider, the object store, and the relational store. Clients
// are constructed lazily under per-client mutexes, reused for the process
// lifetime, and never cached when construction fails.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/developer-mesh/llm-gateway/internal/config"
	"github.com/developer-mesh/llm-gateway/pkg/models"
	"github.com/developer-mesh/llm-gateway/pkg/observability"
)

// Dependency names used for health probes and breakers.
const (
	DepBedrock     = "bedrock"
	DepObjectStore = "s3"
	DepRelational  = "postgres"
)

// Manager lazily constructs and caches thread-safe dependency clients.
type Manager struct {
	cfg    *config.Config
	logger observability.Logger

	awsMu  sync.Mutex
	awsCfg *aws.Config

	bedrockMu sync.Mutex
	bedrock   *bedrockruntime.Client

	bedrockCtlMu sync.Mutex
	bedrockCtl   *bedrock.Client

	s3Mu     sync.Mutex
	s3Client *s3.Client

	dbMu sync.Mutex
	db   *sqlx.DB
}

// NewManager creates a session manager. No connections are opened until a
// client is first requested.
func NewManager(cfg *config.Config, logger observability.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.WithPrefix("session"),
	}
}

func (m *Manager) awsConfig(ctx context.Context) (aws.Config, error) {
	m.awsMu.Lock()
	defer m.awsMu.Unlock()
	if m.awsCfg != nil {
		return *m.awsCfg, nil
	}

	p := m.cfg.Provider
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(p.Region),
	}
	if p.AccessKeyID != "" && p.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(p.AccessKeyID, p.SecretAccessKey, p.SessionToken),
		))
	}

	loaded, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, models.WrapError(models.KindConfig, "failed to load AWS configuration", err)
	}
	m.awsCfg = &loaded
	return loaded, nil
}

// GetModelClient returns the shared Bedrock runtime client, constructing it
// on first use. Concurrent first uses produce exactly one client.
func (m *Manager) GetModelClient(ctx context.Context) (*bedrockruntime.Client, error) {
	m.bedrockMu.Lock()
	defer m.bedrockMu.Unlock()
	if m.bedrock != nil {
		return m.bedrock, nil
	}

	awsCfg, err := m.awsConfig(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := m.cfg.Provider.Endpoint
	client := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	m.bedrock = client
	m.logger.Info("model provider client initialized", map[string]interface{}{
		"region": m.cfg.Provider.Region,
	})
	return client, nil
}

// controlPlaneClient returns the shared Bedrock control-plane client, used
// only for health probes.
func (m *Manager) controlPlaneClient(ctx context.Context) (*bedrock.Client, error) {
	m.bedrockCtlMu.Lock()
	defer m.bedrockCtlMu.Unlock()
	if m.bedrockCtl != nil {
		return m.bedrockCtl, nil
	}

	awsCfg, err := m.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	m.bedrockCtl = bedrock.NewFromConfig(awsCfg)
	return m.bedrockCtl, nil
}

// GetObjectStoreClient returns the shared S3 client.
func (m *Manager) GetObjectStoreClient(ctx context.Context) (*s3.Client, error) {
	m.s3Mu.Lock()
	defer m.s3Mu.Unlock()
	if m.s3Client != nil {
		return m.s3Client, nil
	}

	awsCfg, err := m.awsConfig(ctx)
	if err != nil {
		return nil, err
	}

	store := m.cfg.ObjectStore
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if store.Region != "" {
			o.Region = store.Region
		}
		if store.Endpoint != "" {
			o.BaseEndpoint = aws.String(store.Endpoint)
		}
		o.UsePathStyle = store.ForcePathStyle
	})
	m.s3Client = client
	return client, nil
}

// GetRelationalPool returns the shared database pool, opening and pinging
// it on first use. A pool that fails its initial ping is not cached, so a
// later call may succeed once the store recovers.
func (m *Manager) GetRelationalPool(ctx context.Context) (*sqlx.DB, error) {
	m.dbMu.Lock()
	defer m.dbMu.Unlock()
	if m.db != nil {
		return m.db, nil
	}

	rs := m.cfg.RelationalStore
	db, err := sqlx.Open("postgres", rs.DSN())
	if err != nil {
		return nil, models.WrapError(models.KindBackingStoreUnavailable, "failed to open relational store", err)
	}
	db.SetMaxOpenConns(rs.MaxConns)
	db.SetMaxIdleConns(rs.MinConns)
	db.SetConnMaxLifetime(rs.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, m.connectTimeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, models.WrapError(models.KindBackingStoreUnavailable, "relational store unreachable", err)
	}

	m.db = db
	m.logger.Info("relational pool initialized", map[string]interface{}{
		"host": rs.Host, "database": rs.Database, "max_conns": rs.MaxConns,
	})
	return db, nil
}

// TestDependency makes a cheap call against the named dependency and
// reports reachability with latency.
func (m *Manager) TestDependency(ctx context.Context, name string) models.DependencyStatus {
	status := models.DependencyStatus{Name: name}
	probeCtx, cancel := context.WithTimeout(ctx, m.connectTimeout())
	defer cancel()

	start := time.Now()
	var err error
	switch name {
	case DepRelational:
		var db *sqlx.DB
		if db, err = m.GetRelationalPool(probeCtx); err == nil {
			err = db.PingContext(probeCtx)
		}
	case DepObjectStore:
		var client *s3.Client
		if client, err = m.GetObjectStoreClient(probeCtx); err == nil {
			_, err = client.HeadBucket(probeCtx, &s3.HeadBucketInput{
				Bucket: aws.String(m.cfg.ObjectStore.Bucket),
			})
		}
	case DepBedrock:
		// Control-plane list call: verifies reachability and credentials
		// without a billable model invocation.
		var client *bedrock.Client
		if client, err = m.controlPlaneClient(probeCtx); err == nil {
			_, err = client.ListFoundationModels(probeCtx, &bedrock.ListFoundationModelsInput{})
		}
	default:
		err = fmt.Errorf("unknown dependency %q", name)
	}

	status.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		status.OK = false
		status.Detail = err.Error()
		return status
	}
	status.OK = true
	return status
}

// Close tears down pooled connections. AWS SDK clients hold no resources
// that need explicit closing.
func (m *Manager) Close() error {
	m.dbMu.Lock()
	defer m.dbMu.Unlock()
	if m.db != nil {
		err := m.db.Close()
		m.db = nil
		return err
	}
	return nil
}

func (m *Manager) connectTimeout() time.Duration {
	if m.cfg.Timeouts.Connect > 0 {
		return m.cfg.Timeouts.Connect
	}
	return 10 * time.Second
}
