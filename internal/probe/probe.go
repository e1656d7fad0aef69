// Package probe opens short-lived SQL sessions against a database node to
// test reachability and read replication status, scanning SHOW REPLICA
// STATUS into a db-tagged struct.
package probe

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
)

// HealthStatus is the outcome of ProbeHealth.
type HealthStatus string

const (
	HealthOnline HealthStatus = "online"
	HealthFailed HealthStatus = "failed"
)

// HealthResult is ProbeHealth's return value.
type HealthResult struct {
	Status HealthStatus
	Detail string
}

// ReplicationStatus is ProbeReplication's return value, the parsed subset
// of SHOW REPLICA STATUS this coordinator cares about.
type ReplicationStatus struct {
	IORunning  bool
	SQLRunning bool
	LagSeconds float64
	GTID       string
}

// Healthy reports whether the replica is usable for election/routing: both
// threads running and lag within threshold.
func (r ReplicationStatus) Healthy(lagThreshold time.Duration) bool {
	return r.IORunning && r.SQLRunning && r.LagSeconds <= lagThreshold.Seconds()
}

// GTIDComparison is CompareGTID's result.
type GTIDComparison int

const (
	GTIDEqual GTIDComparison = iota
	GTIDAhead
	GTIDBehind
)

// Credential is the replication-user credential used to open probe
// connections.
type Credential struct {
	Username string
	Password string
}

// Prober is the interface the Reconciler depends on; MySQLProber is the
// real implementation, and tests substitute a fake.
type Prober interface {
	ProbeHealth(ctx context.Context, host, port string) HealthResult
	ProbeReplication(ctx context.Context, host, port string) (ReplicationStatus, error)
	CompareGTID(a, b string) GTIDComparison
}

// MySQLProber opens short-lived SQL sessions per probe; each probe owns its
// own connection and is cancelled at a hard per-probe deadline.
type MySQLProber struct {
	Credential Credential
	Timeout    time.Duration
}

func NewMySQLProber(cred Credential, timeout time.Duration) *MySQLProber {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &MySQLProber{Credential: cred, Timeout: timeout}
}

func (p *MySQLProber) dsn(host, port string) string {
	if port == "" {
		port = "3306"
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/?timeout=%s&readTimeout=%s",
		p.Credential.Username, p.Credential.Password, host, port, p.Timeout, p.Timeout)
}

// ProbeHealth opens a SQL session and issues a trivial query with a hard
// timeout; any connection failure, auth failure, or timeout is reported as
// failed.
func (p *MySQLProber) ProbeHealth(ctx context.Context, host, port string) HealthResult {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	db, err := sqlx.Open("mysql", p.dsn(host, port))
	if err != nil {
		return HealthResult{Status: HealthFailed, Detail: err.Error()}
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return HealthResult{Status: HealthFailed, Detail: err.Error()}
	}
	if _, err := db.ExecContext(ctx, "SELECT 1"); err != nil {
		return HealthResult{Status: HealthFailed, Detail: err.Error()}
	}
	return HealthResult{Status: HealthOnline}
}

// replicaStatusRow is the subset of SHOW REPLICA STATUS (or SHOW SLAVE
// STATUS on older servers) this coordinator cares about.
type replicaStatusRow struct {
	IORunning       string `db:"Slave_IO_Running"`
	SQLRunning      string `db:"Slave_SQL_Running"`
	SecondsBehind   *int64 `db:"Seconds_Behind_Master"`
	ExecutedGtidSet string `db:"Executed_Gtid_Set"`
}

// ProbeReplication reads the server's replica status.
func (p *MySQLProber) ProbeReplication(ctx context.Context, host, port string) (ReplicationStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	db, err := sqlx.Open("mysql", p.dsn(host, port))
	if err != nil {
		return ReplicationStatus{}, err
	}
	defer db.Close()

	rows, err := db.QueryxContext(ctx, "SHOW REPLICA STATUS")
	if err != nil {
		// Fall back to the pre-8.0.22 statement name.
		rows, err = db.QueryxContext(ctx, "SHOW SLAVE STATUS")
		if err != nil {
			return ReplicationStatus{}, err
		}
	}
	defer rows.Close()

	if !rows.Next() {
		return ReplicationStatus{}, fmt.Errorf("node %s:%s is not configured as a replica", host, port)
	}
	var row replicaStatusRow
	if err := rows.StructScan(&row); err != nil {
		return ReplicationStatus{}, err
	}

	lag := 0.0
	if row.SecondsBehind != nil {
		lag = float64(*row.SecondsBehind)
	}
	return ReplicationStatus{
		IORunning:  strings.EqualFold(row.IORunning, "Yes"),
		SQLRunning: strings.EqualFold(row.SQLRunning, "Yes"),
		LagSeconds: lag,
		GTID:       row.ExecutedGtidSet,
	}, nil
}

// CompareGTID parses each operand's trailing transaction-count span and
// compares numerically. An empty operand is strictly behind a non-empty
// one; two empties are equal.
func (p *MySQLProber) CompareGTID(a, b string) GTIDComparison {
	return CompareGTID(a, b)
}

// CompareGTID is a free function so the Reconciler's election logic can
// call it without depending on a live Prober.
func CompareGTID(a, b string) GTIDComparison {
	if a == "" && b == "" {
		return GTIDEqual
	}
	if a == "" {
		return GTIDBehind
	}
	if b == "" {
		return GTIDAhead
	}
	na, oka := trailingSpanEnd(a)
	nb, okb := trailingSpanEnd(b)
	if !oka || !okb {
		// Unparsable GTID sets fall back to lexicographic order, still
		// deterministic, never a panic.
		switch strings.Compare(a, b) {
		case 0:
			return GTIDEqual
		case 1:
			return GTIDAhead
		default:
			return GTIDBehind
		}
	}
	switch {
	case na > nb:
		return GTIDAhead
	case na < nb:
		return GTIDBehind
	default:
		return GTIDEqual
	}
}

// trailingSpanEnd extracts the end of the last numeric transaction-count
// span in a GTID set such as "3E11FA47-71CA-11E1-9E33-C80AA9429562:1-100",
// returning 100. Multi-source sets (comma-separated) use the last source's
// span, which is sufficient for this coordinator's single-source topology.
func trailingSpanEnd(gtid string) (int64, bool) {
	gtid = strings.TrimSpace(gtid)
	if gtid == "" {
		return 0, false
	}
	parts := strings.Split(gtid, ",")
	last := strings.TrimSpace(parts[len(parts)-1])

	colon := strings.LastIndex(last, ":")
	if colon == -1 {
		return 0, false
	}
	span := last[colon+1:]
	dash := strings.LastIndex(span, "-")
	numStr := span
	if dash != -1 {
		numStr = span[dash+1:]
	}
	n, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
