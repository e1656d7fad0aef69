package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/LumeWeb/topology-coordinator/internal/logging"
	"github.com/LumeWeb/topology-coordinator/internal/probe"
	"github.com/LumeWeb/topology-coordinator/internal/proxyadmin"
	"github.com/LumeWeb/topology-coordinator/internal/topology"
)

// pruneStale deletes any NodeRecord whose last_seen is older than MaxAge,
// or which lacks last_seen, or which is unparseable. If the pruned node was
// the pointed-to master, clear the pointer too.
func (r *Reconciler) pruneStale(ctx context.Context, log *logging.Logger, nodeIDs []string) []string {
	master, hasMaster, err := r.Repo.GetMaster(ctx)
	if err != nil {
		log.Printf(logging.LvlWarn, "get master failed during prune: %v", err)
		return nodeIDs
	}

	survivors := make([]string, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		rec, ok, err := r.Repo.GetNode(ctx, id)
		if err != nil {
			log.Printf(logging.LvlWarn, "get node %s failed: %v", id, err)
			survivors = append(survivors, id)
			continue
		}
		stale := !ok || rec.LastSeen == "" || isStale(rec.LastSeen, r.Conf.MaxAge)
		if !stale {
			survivors = append(survivors, id)
			continue
		}

		log.WithField("node", id).Printf(logging.LvlInfo, "pruning stale node record")
		if r.Conf.DryRun {
			survivors = append(survivors, id)
			continue
		}
		if err := r.Repo.DeleteNode(ctx, id); err != nil {
			log.Printf(logging.LvlWarn, "delete stale node %s failed: %v", id, err)
			survivors = append(survivors, id)
			continue
		}
		_ = r.Repo.DeleteSlaveRecord(ctx, id)
		if hasMaster && master == id {
			if err := r.Repo.ClearMaster(ctx); err != nil {
				log.Printf(logging.LvlWarn, "clear master after pruning %s failed: %v", id, err)
			}
		}
		r.nodesPruned.Inc(1)
	}
	return survivors
}

func isStale(lastSeen string, maxAge time.Duration) bool {
	t, err := time.Parse(time.RFC3339, lastSeen)
	if err != nil {
		return true
	}
	return time.Since(t) > maxAge
}

// validateMaster clears the master pointer if it no longer satisfies the
// invariant, unless we're within the promotion grace period — which only
// suppresses clearing on status != online, never on a role mismatch.
func (r *Reconciler) validateMaster(ctx context.Context, log *logging.Logger) {
	master, hasMaster, err := r.Repo.GetMaster(ctx)
	if err != nil {
		log.Printf(logging.LvlWarn, "get master failed during validation: %v", err)
		return
	}
	if !hasMaster {
		return
	}

	rec, ok, err := r.Repo.GetNode(ctx, master)
	if err != nil {
		log.Printf(logging.LvlWarn, "get node %s failed during master validation: %v", master, err)
		return
	}

	inGrace := r.inGracePeriod()

	if !ok {
		log.WithField("node", master).Printf(logging.LvlWarn, "master record missing, clearing pointer")
		r.clearMasterUnlessDryRun(ctx, log)
		return
	}

	if rec.Role != topology.RoleMaster {
		// A role mismatch always clears, grace period or not.
		log.WithField("node", master).Printf(logging.LvlWarn, "master record has role %q, clearing pointer", rec.Role)
		r.clearMasterUnlessDryRun(ctx, log)
		return
	}

	if rec.Status != topology.StatusOnline {
		if inGrace {
			log.WithField("node", master).Printf(logging.LvlDbg, "master not online but within promotion grace period, skipping")
			return
		}
		log.WithField("node", master).Printf(logging.LvlWarn, "master status %q, clearing pointer", rec.Status)
		r.clearMasterUnlessDryRun(ctx, log)
	}
}

func (r *Reconciler) clearMasterUnlessDryRun(ctx context.Context, log *logging.Logger) {
	if r.Conf.DryRun {
		log.Printf(logging.LvlInfo, "dry-run: would clear master pointer")
		return
	}
	if err := r.Repo.ClearMaster(ctx); err != nil {
		log.Printf(logging.LvlWarn, "clear master failed: %v", err)
	}
}

// healthSweep probes every node, fanned out over a bounded worker pool,
// validates host/port, and writes back status changes. Malformed records
// are deleted outright.
func (r *Reconciler) healthSweep(ctx context.Context, log *logging.Logger, nodeIDs []string) map[string]nodeStatus {
	results := make(map[string]nodeStatus, len(nodeIDs))
	var mu sync.Mutex

	masterID, hasMaster, err := r.Repo.GetMaster(ctx)
	if err != nil {
		log.Printf(logging.LvlWarn, "get master failed during health sweep: %v", err)
		hasMaster = false
	}

	errgroupPool(ctx, nodeIDs, r.Conf.MaxConcurrentProbes, func(ctx context.Context, id string) {
		rec, ok, err := r.Repo.GetNode(ctx, id)
		if err != nil {
			log.Printf(logging.LvlWarn, "get node %s failed: %v", id, err)
			return
		}
		if !ok {
			return
		}

		nlog := log.WithField("node", id).WithField("host", rec.Host)

		if rec.Host == "" || !validPort(rec.Port) {
			nlog.Printf(logging.LvlWarn, "malformed record (bad host/port), deleting")
			if !r.Conf.DryRun {
				_ = r.Repo.DeleteNode(ctx, id)
			}
			return
		}

		probeCtx, cancel := context.WithTimeout(ctx, r.Conf.ProbeTimeout)
		health := r.Prober.ProbeHealth(probeCtx, rec.Host, rec.Port)
		cancel()

		online := health.Status == probe.HealthOnline
		gtid := rec.GTIDPosition

		if online && rec.Role == topology.RoleSlave {
			rplCtx, rplCancel := context.WithTimeout(ctx, r.Conf.ProbeTimeout)
			rs, err := r.Prober.ProbeReplication(rplCtx, rec.Host, rec.Port)
			rplCancel()
			if err != nil {
				nlog.Printf(logging.LvlWarn, "replication probe failed: %v", err)
				online = false
			} else {
				gtid = rs.GTID
				if !rs.Healthy(r.Conf.MaxAge) {
					online = false
				}
				slaveRec := topology.SlaveRecord{ReplicationLag: rs.LagSeconds}
				if hasMaster {
					slaveRec.MasterNodeID = masterID
				}
				if !r.Conf.DryRun {
					_ = r.Repo.PutSlaveRecord(ctx, id, slaveRec)
				}
			}
		}

		newStatus := topology.StatusFailed
		if online {
			newStatus = topology.StatusOnline
		} else {
			r.probesFailed.Inc(1)
			nlog.Printf(logging.LvlWarn, "probe failed: %s", health.Detail)
		}

		updated := rec
		updated.Status = newStatus
		updated.LastSeen = time.Now().UTC().Format(time.RFC3339)
		updated.GTIDPosition = gtid

		if newStatus != rec.Status {
			if !r.Conf.DryRun {
				if err := r.Repo.PutNode(ctx, id, updated); err != nil {
					nlog.Printf(logging.LvlWarn, "write back status failed: %v", err)
				}
			}
		} else if !r.Conf.DryRun {
			// Still refresh last_seen/gtid even when status is unchanged,
			// so the prune stage sees this tick's liveness.
			if err := r.Repo.PutNode(ctx, id, updated); err != nil {
				nlog.Printf(logging.LvlWarn, "refresh last_seen failed: %v", err)
			}
		}

		mu.Lock()
		results[id] = nodeStatus{record: updated, online: online, present: true}
		mu.Unlock()
	})

	return results
}

func validPort(port string) bool {
	if port == "" {
		return false
	}
	n := 0
	for _, c := range port {
		if c < '0' || c > '9' {
			return false
		}
		n = n*10 + int(c-'0')
	}
	return n >= 1 && n <= 65535
}

// failoverDecision elects and promotes a replacement master if the current
// one is absent or not online.
func (r *Reconciler) failoverDecision(ctx context.Context, log *logging.Logger, nodeIDs []string, statuses map[string]nodeStatus) {
	master, hasMaster, err := r.Repo.GetMaster(ctx)
	if err != nil {
		log.Printf(logging.LvlWarn, "get master failed during failover decision: %v", err)
		return
	}
	if hasMaster {
		if st, ok := statuses[master]; ok && st.online {
			return
		}
		if r.inGracePeriod() {
			log.WithField("node", master).Printf(logging.LvlDbg, "master unhealthy but within promotion grace period, deferring election")
			return
		}
	}

	candidate, ok := electCandidate(nodeIDs, statuses)
	if !ok {
		log.Printf(logging.LvlWarn, "no candidates found in slaves list")
		return
	}

	clog := log.WithField("node", candidate)
	if r.Conf.DryRun {
		clog.Printf(logging.LvlInfo, "dry-run: would promote %s (previous master %v)", candidate, master)
		return
	}

	var prevPtr *string
	if hasMaster {
		prevPtr = &master
	}
	succeeded, err := r.Repo.SetMasterCAS(ctx, prevPtr, candidate)
	if err != nil {
		clog.Printf(logging.LvlWarn, "promotion CAS failed: %v", err)
		return
	}
	if !succeeded {
		clog.Printf(logging.LvlInfo, "promotion CAS lost the race, skipping promotion")
		return
	}

	r.promotions.Inc(1)
	r.mu.Lock()
	r.LastPromotionTime = time.Now()
	r.history = append(r.history, PromotionEvent{At: r.LastPromotionTime, PreviousMaster: master, NewMaster: candidate})
	if len(r.history) > historyLimit {
		r.history = r.history[len(r.history)-historyLimit:]
	}
	r.mu.Unlock()

	others := make([]string, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		if id != candidate {
			others = append(others, id)
		}
	}
	if errsOut := r.Repo.SetRoles(ctx, candidate, others); len(errsOut) > 0 {
		for _, e := range errsOut {
			clog.Printf(logging.LvlWarn, "role update error during promotion: %v", e)
		}
	}
	clog.Printf(logging.LvlInfo, "promoted %s to master (previous %v)", candidate, master)
}

// electCandidate ranks online slaves by CompareGTID (strictly ahead wins),
// ties broken by lexicographic node_id.
func electCandidate(nodeIDs []string, statuses map[string]nodeStatus) (string, bool) {
	var best string
	var bestGTID string
	found := false

	for _, id := range nodeIDs {
		st, ok := statuses[id]
		if !ok || !st.online || st.record.Role != topology.RoleSlave {
			continue
		}
		if !found {
			best, bestGTID, found = id, st.record.GTIDPosition, true
			continue
		}
		switch probe.CompareGTID(st.record.GTIDPosition, bestGTID) {
		case probe.GTIDAhead:
			best, bestGTID = id, st.record.GTIDPosition
		case probe.GTIDEqual:
			if id < best {
				best = id
			}
		}
	}
	return best, found
}

// publishRouting reprograms the proxy so writes go to exactly the master
// and reads fan out to online slaves.
func (r *Reconciler) publishRouting(ctx context.Context, log *logging.Logger, nodeIDs []string, statuses map[string]nodeStatus, tickID string) {
	master, hasMaster, err := r.Repo.GetMaster(ctx)
	if err != nil {
		log.Printf(logging.LvlWarn, "get master failed during publish: %v", err)
		return
	}

	snap := Snapshot{
		TakenAt:    time.Now(),
		Nodes:      make(map[string]topology.NodeRecord, len(statuses)),
		Master:     master,
		HasMaster:  hasMaster,
		LastTickID: tickID,
	}
	for id, st := range statuses {
		snap.Nodes[id] = st.record
	}

	if r.Conf.DryRun {
		log.Printf(logging.LvlInfo, "dry-run: would publish routing (master=%v)", hasMaster)
		r.mu.Lock()
		r.snapshot = snap
		r.mu.Unlock()
		return
	}

	if !hasMaster {
		if err := r.Admin.PublishEmpty(ctx, r.Conf.WriterHostgroup, r.Conf.ReaderHostgroup); err != nil {
			log.Printf(logging.LvlWarn, "publish empty routing failed: %v", err)
			return
		}
		r.mu.Lock()
		r.snapshot = snap
		r.mu.Unlock()
		return
	}

	masterStatus, ok := statuses[master]
	masterNode := proxyadmin.Node{ID: master}
	if ok {
		masterNode.Host = masterStatus.record.Host
		masterNode.Port = masterStatus.record.Port
	} else if rec, recOK, err := r.Repo.GetNode(ctx, master); err == nil && recOK {
		masterNode.Host = rec.Host
		masterNode.Port = rec.Port
	}

	slaves := make([]proxyadmin.Node, 0)
	for _, id := range nodeIDs {
		if id == master {
			continue
		}
		st, ok := statuses[id]
		if !ok || !st.online || st.record.Role != topology.RoleSlave {
			continue
		}
		slaves = append(slaves, proxyadmin.Node{ID: id, Host: st.record.Host, Port: st.record.Port})
	}

	if err := r.Admin.PublishRouting(ctx, masterNode, slaves, r.Conf.WriterHostgroup, r.Conf.ReaderHostgroup); err != nil {
		log.Printf(logging.LvlWarn, "publish routing failed: %v", err)
		return
	}

	snap.WriterSet = []proxyadmin.Node{masterNode}
	snap.ReaderSet = slaves
	r.mu.Lock()
	r.snapshot = snap
	r.mu.Unlock()
}
