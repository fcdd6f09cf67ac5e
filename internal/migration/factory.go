package migration

import (
	"fmt"

	"github.com/BaSui01/agentgate/config"
)

// NewMigratorFromConfig 按 database 配置创建迁移器。
func NewMigratorFromConfig(cfg config.DatabaseConfig) (*DefaultMigrator, error) {
	if cfg.Driver == "" {
		return nil, fmt.Errorf("database.driver is required for migrations")
	}
	dbType, err := ParseDatabaseType(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}

	var url string
	switch dbType {
	case DatabaseTypePostgres:
		url = BuildDatabaseURL(dbType, cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, cfg.SSLMode)
	case DatabaseTypeMySQL:
		url = BuildDatabaseURL(dbType, cfg.Host, cfg.Port, cfg.Name, cfg.User, cfg.Password, "")
	case DatabaseTypeSQLite:
		url = BuildDatabaseURL(dbType, "", 0, cfg.Name, "", "", "")
	}

	return NewMigrator(&Config{DatabaseType: dbType, DatabaseURL: url})
}

// NewMigratorFromURL 用现成的连接串创建迁移器（migrate --url）。
func NewMigratorFromURL(dbType, dbURL string) (*DefaultMigrator, error) {
	dt, err := ParseDatabaseType(dbType)
	if err != nil {
		return nil, err
	}
	return NewMigrator(&Config{DatabaseType: dt, DatabaseURL: dbURL})
}
