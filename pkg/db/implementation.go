package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopkit/shopkit-domains/pkg/model"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type database struct {
	db *gorm.DB
}

// New creates a new database connection
func New(ctx context.Context, dialect string, dsn string, config *gorm.Config) (Database, error) {
	if config == nil {
		config = &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		}
	}

	var db *gorm.DB
	var err error

	if dialect == "sqlite" {
		db, err = gorm.Open(sqlite.Open(dsn), config)
	} else if dialect == "mysql" {
		db, err = gorm.Open(mysql.Open(dsn), config)
	} else {
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	if err != nil {
		return nil, err
	}

	db = db.WithContext(ctx)

	if err := db.AutoMigrate(
		&DomainRecord{},
	); err != nil {
		return nil, err
	}

	d := &database{
		db: db,
	}
	return d, nil
}

func (d *database) CreateDomain(tenantID, hostname, verificationToken string) (DomainRecord, error) {
	var record DomainRecord
	err := d.db.Transaction(func(tx *gorm.DB) error {
		var existing DomainRecord
		sql := tx.Where("hostname = ? and lifecycle_status <> ?", hostname, model.LifecycleRemoved).
			Limit(1).Find(&existing)
		if sql.Error != nil {
			return sql.Error
		}
		if existing.ID != "" {
			return ErrDuplicateHostname
		}

		record = DomainRecord{
			ID:                uuid.NewString(),
			TenantID:          tenantID,
			Hostname:          hostname,
			LifecycleStatus:   model.LifecyclePending,
			SSLStatus:         model.SSLNone,
			VerificationToken: verificationToken,
		}

		sql = tx.Create(&record)
		return sql.Error
	})

	return record, err
}

func (d *database) GetDomain(id string) (DomainRecord, error) {
	var record DomainRecord
	sql := d.db.Where("id = ? and lifecycle_status <> ?", id, model.LifecycleRemoved).Take(&record)
	if errors.Is(sql.Error, gorm.ErrRecordNotFound) {
		return record, ErrNotFound
	}
	return record, sql.Error
}

func (d *database) ListByTenant(tenantID string) ([]DomainRecord, error) {
	var records []DomainRecord
	sql := d.db.Where("tenant_id = ? and lifecycle_status <> ?", tenantID, model.LifecycleRemoved).
		Order("created_at").Find(&records)
	return records, sql.Error
}

func (d *database) ListInFlight() ([]DomainRecord, error) {
	var records []DomainRecord
	sql := d.db.Where("lifecycle_status in ?", []model.LifecycleStatus{
		model.LifecyclePending,
		model.LifecycleProvisioning,
		model.LifecycleVerifying,
	}).Order("created_at").Find(&records)
	return records, sql.Error
}

func (d *database) UpdateStatus(id string, fields Fields) (DomainRecord, error) {
	var record DomainRecord
	err := d.db.Transaction(func(tx *gorm.DB) error {
		sql := tx.Where("id = ?", id).Take(&record)
		if errors.Is(sql.Error, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if sql.Error != nil {
			return sql.Error
		}
		if record.LifecycleStatus == model.LifecycleRemoved {
			return ErrRemoved
		}

		updates, err := buildUpdates(record, fields)
		if err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}

		sql = tx.Model(&DomainRecord{}).Where("id = ?", id).Updates(updates)
		if sql.Error != nil {
			return sql.Error
		}

		return tx.Where("id = ?", id).Take(&record).Error
	})

	return record, err
}

// buildUpdates validates a partial update against the current row and
// produces the column map to apply.
func buildUpdates(current DomainRecord, fields Fields) (map[string]interface{}, error) {
	updates := map[string]interface{}{}

	target := current.LifecycleStatus
	if fields.LifecycleStatus != nil {
		target = *fields.LifecycleStatus
		if err := target.IsValid(); err != nil {
			return nil, err
		}
		if target != current.LifecycleStatus {
			if !current.LifecycleStatus.CanTransitionTo(target) {
				return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current.LifecycleStatus, target)
			}
			updates["lifecycle_status"] = target
		}
	}

	if fields.SSLStatus != nil {
		if err := fields.SSLStatus.IsValid(); err != nil {
			return nil, err
		}
		// SSL can only be active while the domain is active or still verifying.
		if *fields.SSLStatus == model.SSLActive &&
			target != model.LifecycleActive && target != model.LifecycleVerifying {
			return nil, fmt.Errorf("ssl status cannot be active while lifecycle is %s", target)
		}
		updates["ssl_status"] = *fields.SSLStatus
	}

	if fields.EdgePlatformRef != nil {
		if err := checkRefUpdate("edge platform ref", current.EdgePlatformRef, *fields.EdgePlatformRef, target); err != nil {
			return nil, err
		}
		updates["edge_platform_ref"] = *fields.EdgePlatformRef
	}
	if fields.DNSProviderRef != nil {
		if err := checkRefUpdate("dns provider ref", current.DNSProviderRef, *fields.DNSProviderRef, target); err != nil {
			return nil, err
		}
		updates["dns_provider_ref"] = *fields.DNSProviderRef
	}

	if fields.Attempts != nil {
		updates["attempts"] = *fields.Attempts
	}
	if fields.LastVerifiedAt != nil {
		updates["last_verified_at"] = *fields.LastVerifiedAt
	}
	if fields.ErrorDetail != nil {
		updates["error_detail"] = *fields.ErrorDetail
	}

	if len(updates) > 0 {
		updates["updated_at"] = time.Now()
	}

	return updates, nil
}

// checkRefUpdate enforces that external refs are set at most once. Clearing a
// ref is only legal while the record is being removed, after external cleanup.
func checkRefUpdate(name, current, next string, target model.LifecycleStatus) error {
	if next == "" {
		if target != model.LifecycleRemoved {
			return fmt.Errorf("%s can only be cleared during removal", name)
		}
		return nil
	}
	if current != "" && current != next {
		return fmt.Errorf("%s is already set and cannot be replaced", name)
	}
	return nil
}
