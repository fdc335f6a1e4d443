// internal/service/coupon/infrastructure/mysql.go
package infrastructure

import (
	"time"

	"github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	gosqlmysql "github.com/go-sql-driver/mysql"
)

// NewDB 建立 MySQL 连接池并自动建表。
// DSN 必须带 parseTime=true，否则 time.Time 字段扫描会失败；
// 这里通过 go-sql-driver 的 DSN 解析器做规范化，而不是字符串拼接。
func NewDB(dsn string) (*gorm.DB, error) {
	cfg, err := gosqlmysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse mysql dsn")
	}
	cfg.ParseTime = true
	if cfg.Loc == nil {
		cfg.Loc = time.UTC
	}

	db, err := gorm.Open(gormmysql.Open(cfg.FormatDSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&CouponPolicyModel{}, &CouponIssueModel{}); err != nil {
		return nil, errors.Wrap(err, "auto migrate coupon tables")
	}
	return db, nil
}

// isDuplicateKeyError 识别 MySQL 1062 唯一索引冲突。
func isDuplicateKeyError(err error) bool {
	var mysqlErr *gosqlmysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
