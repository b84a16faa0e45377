package orm

import (
	"time"

	"github.com/tokmz/qchat/pkg/logger"
)

// DBType 数据库驱动
type DBType string

const (
	MySQL      DBType = "mysql"
	PostgreSQL DBType = "postgres"
	SQLite     DBType = "sqlite"
	SQLServer  DBType = "sqlserver"
)

// Config 数据库配置
type Config struct {
	Type DBType
	DSN  string

	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	PrepareStmt bool
	TablePrefix string

	// gorm 日志级别 1 Silent 2 Error 3 Warn 4 Info，0 视为 Warn
	LogLevel      int
	SlowThreshold time.Duration
	Logger        logger.Logger

	Tracing        bool
	TraceSQL       bool // span 附带完整 SQL，消息内容会进入链路数据
	ReadWriteSplit *ReadWriteSplitConfig
}

// ReadWriteSplitConfig 只读副本。历史消息与未读数查询走副本，写入与事务走主库
type ReadWriteSplitConfig struct {
	Sources []string
	Policy  string // random / round_robin，默认 random

	// 0 沿用主库连接池设置
	MaxIdleConns int
	MaxOpenConns int
}

// DefaultConfig 本地 SQLite，慢查询阈值 200ms
func DefaultConfig() *Config {
	return &Config{
		Type:            SQLite,
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		PrepareStmt:     true,
		LogLevel:        3,
		SlowThreshold:   200 * time.Millisecond,
	}
}
