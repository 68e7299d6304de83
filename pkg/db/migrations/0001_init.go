package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type RolloutRun struct {
	ID                uuid.UUID         `gorm:"type:uuid;primaryKey"`
	ReferenceRunID    string            `gorm:"type:text;not null;index"`
	Status            string            `gorm:"type:text;not null"`
	WindowsKBCount    int               `gorm:"type:int;not null;default:0"`
	LinuxPackageCount int               `gorm:"type:int;not null;default:0"`
	StageCount        int               `gorm:"type:int;not null;default:0"`
	SnapshotKey       string            `gorm:"type:text"`
	Detail            datatypes.JSONMap `gorm:"type:jsonb"`
	StartedAt         time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	FinishedAt        *time.Time        `gorm:"type:timestamptz"`
}

type StageResult struct {
	ID             int64      `gorm:"type:bigserial;primaryKey"`
	RunID          uuid.UUID  `gorm:"type:uuid;not null;index"`
	StageName      string     `gorm:"type:text;not null"`
	Scope          string     `gorm:"type:text"`
	AssignmentName string     `gorm:"type:text"`
	Status         string     `gorm:"type:text;not null"`
	Detail         string     `gorm:"type:text"`
	At             time.Time  `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	Run            RolloutRun `gorm:"foreignKey:RunID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&RolloutRun{},
		&StageResult{},
	); err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().CreateConstraint(&StageResult{}, "Run"); err != nil {
		return err
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Migrator().DropTable(
		&StageResult{},
		&RolloutRun{},
	)
}
