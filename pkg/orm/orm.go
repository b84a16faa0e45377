// Package orm 打开 gorm 连接：驱动选择、连接池、读写分离、日志与链路追踪。
package orm

import (
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
	"gorm.io/plugin/dbresolver"
)

var dialectors = map[DBType]func(dsn string) gorm.Dialector{
	MySQL:      mysql.Open,
	PostgreSQL: postgres.Open,
	SQLite:     sqlite.Open,
	SQLServer:  sqlserver.Open,
}

func dialector(t DBType, dsn string) (gorm.Dialector, error) {
	open, ok := dialectors[t]
	if !ok {
		return nil, fmt.Errorf("orm: unsupported database type %q", t)
	}
	return open(dsn), nil
}

// New 打开数据库。错误翻译开启，唯一键冲突返回 gorm.ErrDuplicatedKey
func New(cfg *Config) (*gorm.DB, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("orm: dsn is required")
	}
	d, err := dialector(cfg.Type, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(d, &gorm.Config{
		PrepareStmt:    cfg.PrepareStmt,
		Logger:         newLogger(cfg),
		TranslateError: true,
		NamingStrategy: schema.NamingStrategy{TablePrefix: cfg.TablePrefix},
	})
	if err != nil {
		return nil, fmt.Errorf("orm: open %s: %w", cfg.Type, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(max(cfg.MaxIdleConns, 1))
	sqlDB.SetMaxOpenConns(max(cfg.MaxOpenConns, 1))
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if rw := cfg.ReadWriteSplit; rw != nil {
		if err := useReplicas(db, cfg, rw); err != nil {
			return nil, err
		}
	}
	if cfg.Tracing {
		if err := db.Use(&tracingPlugin{withSQL: cfg.TraceSQL}); err != nil {
			return nil, fmt.Errorf("orm: tracing plugin: %w", err)
		}
	}
	return db, nil
}

func useReplicas(db *gorm.DB, cfg *Config, rw *ReadWriteSplitConfig) error {
	if len(rw.Sources) == 0 {
		return fmt.Errorf("orm: read-write split without replicas")
	}
	replicas := make([]gorm.Dialector, 0, len(rw.Sources))
	for _, dsn := range rw.Sources {
		d, err := dialector(cfg.Type, dsn)
		if err != nil {
			return err
		}
		replicas = append(replicas, d)
	}

	resolver := dbresolver.Register(dbresolver.Config{
		Replicas: replicas,
		Policy:   policy(rw.Policy),
	}).
		SetMaxIdleConns(pick(rw.MaxIdleConns, cfg.MaxIdleConns)).
		SetMaxOpenConns(pick(rw.MaxOpenConns, cfg.MaxOpenConns)).
		SetConnMaxLifetime(cfg.ConnMaxLifetime).
		SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	if err := db.Use(resolver); err != nil {
		return fmt.Errorf("orm: dbresolver: %w", err)
	}
	return nil
}

func policy(name string) dbresolver.Policy {
	if name == "round_robin" {
		return dbresolver.RoundRobinPolicy()
	}
	return dbresolver.RandomPolicy{}
}

func pick(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
