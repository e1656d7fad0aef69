// Package proxyadmin is a typed wrapper over ProxySQL's administrative SQL
// interface, covering the three operations this coordinator needs:
// Initialize, PublishEmpty, PublishRouting.
package proxyadmin

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
)

// Node is the minimal backend description PublishRouting needs.
type Node struct {
	ID   string
	Host string
	Port string
}

// Admin is the interface the Reconciler depends on.
type Admin interface {
	Initialize(ctx context.Context) error
	PublishEmpty(ctx context.Context, writerGroup, readerGroup int) error
	PublishRouting(ctx context.Context, master Node, slaves []Node, writerGroup, readerGroup int) error
}

// ProxySQLAdmin opens an administrative session to 127.0.0.1:6032 per call —
// no long-lived shared handle.
type ProxySQLAdmin struct {
	AdminUser string
	AdminPass string
	AdminAddr string

	MonitorUsername string
	MonitorPassword string
}

func NewProxySQLAdmin(adminUser, adminPass, adminAddr, monitorUser, monitorPass string) *ProxySQLAdmin {
	if adminAddr == "" {
		adminAddr = "127.0.0.1:6032"
	}
	return &ProxySQLAdmin{
		AdminUser:       adminUser,
		AdminPass:       adminPass,
		AdminAddr:       adminAddr,
		MonitorUsername: monitorUser,
		MonitorPassword: monitorPass,
	}
}

func (p *ProxySQLAdmin) open(ctx context.Context) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/", p.AdminUser, p.AdminPass, p.AdminAddr)
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Initialize sets monitoring credentials, probe intervals, a connection
// cap, and two query rules, run once at startup.
func (p *ProxySQLAdmin) Initialize(ctx context.Context) error {
	db, err := p.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	stmts := []string{
		fmt.Sprintf(`SET mysql-monitor_username='%s'`, p.MonitorUsername),
		fmt.Sprintf(`SET mysql-monitor_password='%s'`, p.MonitorPassword),
		`SET mysql-monitor_connect_interval=2000`,
		`SET mysql-monitor_ping_interval=2000`,
		`SET mysql-monitor_read_only_interval=2000`,
		`SET mysql-max_connections=2000`,
		`DELETE FROM mysql_query_rules WHERE rule_id IN (1,2)`,
		`INSERT INTO mysql_query_rules (rule_id, active, match_pattern, destination_hostgroup, apply)
		 VALUES (1, 1, '^SELECT.*FOR UPDATE$', 0, 1)`,
		`INSERT INTO mysql_query_rules (rule_id, active, match_pattern, destination_hostgroup, apply)
		 VALUES (2, 1, '^SELECT', 1, 1)`,
		`LOAD MYSQL VARIABLES TO RUNTIME`,
		`SAVE MYSQL VARIABLES TO DISK`,
		`LOAD MYSQL QUERY RULES TO RUNTIME`,
		`SAVE MYSQL QUERY RULES TO DISK`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("initialize proxysql: %s: %w", stmt, err)
		}
	}
	return nil
}

// PublishEmpty clears both routing groups when no master exists.
func (p *ProxySQLAdmin) PublishEmpty(ctx context.Context, writerGroup, readerGroup int) error {
	db, err := p.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()
	return p.commitServers(ctx, db, func() error {
		if _, err := db.ExecContext(ctx, `DELETE FROM mysql_servers WHERE hostgroup_id=?`, writerGroup); err != nil {
			return err
		}
		_, err := db.ExecContext(ctx, `DELETE FROM mysql_servers WHERE hostgroup_id=?`, readerGroup)
		return err
	})
}

// PublishRouting replaces both routing groups' contents in a single admin
// session, then commits to runtime and persists to disk. Replaying the
// same inputs yields the same server table.
func (p *ProxySQLAdmin) PublishRouting(ctx context.Context, master Node, slaves []Node, writerGroup, readerGroup int) error {
	db, err := p.open(ctx)
	if err != nil {
		return err
	}
	defer db.Close()

	return p.commitServers(ctx, db, func() error {
		if _, err := db.ExecContext(ctx, `DELETE FROM mysql_servers WHERE hostgroup_id=?`, writerGroup); err != nil {
			return err
		}
		port := master.Port
		if port == "" {
			port = "3306"
		}
		portNum, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid master port %q: %w", master.Port, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO mysql_servers (hostgroup_id, hostname, port) VALUES (?, ?, ?)`,
			writerGroup, master.Host, portNum); err != nil {
			return err
		}

		if _, err := db.ExecContext(ctx, `DELETE FROM mysql_servers WHERE hostgroup_id=?`, readerGroup); err != nil {
			return err
		}
		for _, s := range slaves {
			sport := s.Port
			if sport == "" {
				sport = "3306"
			}
			sPortNum, err := strconv.Atoi(sport)
			if err != nil {
				return fmt.Errorf("invalid slave port %q for node %s: %w", s.Port, s.ID, err)
			}
			if _, err := db.ExecContext(ctx,
				`INSERT INTO mysql_servers (hostgroup_id, hostname, port) VALUES (?, ?, ?)`,
				readerGroup, s.Host, sPortNum); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *ProxySQLAdmin) commitServers(ctx context.Context, db *sqlx.DB, mutate func() error) error {
	if err := mutate(); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `LOAD MYSQL SERVERS TO RUNTIME`); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `SAVE MYSQL SERVERS TO DISK`); err != nil {
		return err
	}
	return nil
}
